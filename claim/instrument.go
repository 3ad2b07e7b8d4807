package claim

import (
	"github.com/go-kit/kit/metrics"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
)

type instrumented struct {
	next   Handler
	claims metrics.Counter
	logger log.Logger
}

// Instrument counts every claim on claims, labelled by handler name and by
// result: "ok", the error code, or "internal".
func Instrument(h Handler, claims metrics.Counter, logger log.Logger) Handler {
	return &instrumented{next: h, claims: claims, logger: logger.With("handler", h.Name())}
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Claim(commitment [32]byte, witness []byte) ([32]byte, error) {
	id, err := i.next.Claim(commitment, witness)
	result := "ok"
	if err != nil {
		result = string(consensus.CodeOf(err))
		if result == "" {
			result = "internal"
		}
		i.logger.Debug("claim rejected", "commitment", log.Hexadecimal(commitment[:]), "err", err)
	} else {
		i.logger.Info("claim accepted", "commitment", log.Hexadecimal(commitment[:]), "identifier", log.Hexadecimal(id[:]))
	}
	i.claims.With("handler", i.next.Name(), "result", result).Add(1)
	return id, err
}
