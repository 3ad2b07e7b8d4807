package node

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

// Relay is the chain state machine: a canonical index of tracked-chain
// header commitments, its tip, and the long-fork candidates competing with
// it. Submissions are serialized; queries may run concurrently with each
// other and with submissions.
type Relay struct {
	mtx     sync.RWMutex
	emitMtx sync.Mutex

	store    store.Store
	params   *consensus.Params
	logger   log.Logger
	metrics  *Metrics
	maxForks int
	now      func() time.Time

	events eventBus
}

type RelayOption func(*Relay)

func WithLogger(l log.Logger) RelayOption { return func(r *Relay) { r.logger = l } }

func WithMetrics(m *Metrics) RelayOption { return func(r *Relay) { r.metrics = m } }

// WithMaxForkCandidates bounds live fork candidates; 0 means unbounded.
func WithMaxForkCandidates(n int) RelayOption { return func(r *Relay) { r.maxForks = n } }

func WithClock(now func() time.Time) RelayOption { return func(r *Relay) { r.now = now } }

func NewRelay(st store.Store, params *consensus.Params, opts ...RelayOption) *Relay {
	r := &Relay{
		store:   st,
		params:  params,
		logger:  log.NewNopLogger(),
		metrics: NopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("module", "relay", "network", params.Name)
	return r
}

func (r *Relay) Params() *consensus.Params { return r.params }

// Subscribe registers l for events and returns a function that removes it.
// Listeners run on the submitting goroutine and may call Relay queries. A
// listener must not submit headers or abandon forks: the next submission
// waits for the running listeners to return and would deadlock.
func (r *Relay) Subscribe(l EventListener) func() {
	return r.events.subscribe(l)
}

// NowBound is the latest header timestamp acceptable right now under the
// network's drift allowance.
func (r *Relay) NowBound() uint32 {
	now := r.now().Unix()
	if now < 0 {
		now = 0
	}
	bound := uint64(now) + uint64(r.params.MaxFutureDrift)
	if bound > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(bound)
}

// SubmitResult describes an accepted submission. Headers are the derived
// StoredHeaders in order, so callers can chain a follow-up submission off
// the last one.
type SubmitResult struct {
	Headers       []consensus.StoredHeader
	TipHeight     uint32
	TipCommitment [32]byte
	Reorganized   bool

	// Fork is set for long-fork submissions that were not yet promoted.
	Fork *store.ForkCandidate
}

//-----------------------------------------------------------------------------
// Submissions

// Initialize seeds the relay with a trusted starting StoredHeader.
func (r *Relay) Initialize(genesis consensus.StoredHeader) error {
	r.mtx.Lock()
	if _, ok, err := r.store.LoadTip(); err != nil {
		r.mtx.Unlock()
		return fmt.Errorf("load tip: %w", err)
	} else if ok {
		r.mtx.Unlock()
		return r.reject("initialize", consensus.Errorf(consensus.ERR_ALREADY_INITIALIZED, ""))
	}

	commitment := genesis.Commitment()
	tip := store.Tip{Height: genesis.Height, Commitment: commitment, Work: genesis.Work()}
	err := r.store.Commit(store.ChangeSet{
		Tip:       &tip,
		Canonical: []store.CanonicalEntry{{Height: genesis.Height, Commitment: commitment}},
		Headers:   []consensus.StoredHeader{genesis},
	})
	if err != nil {
		r.mtx.Unlock()
		return fmt.Errorf("commit genesis: %w", err)
	}
	r.metrics.TipHeight.Set(float64(genesis.Height))
	r.logger.Info("initialized", "height", genesis.Height, "commitment", log.Hexadecimal(commitment[:]))

	r.publishAndUnlock([]Event{HeaderStored{Commitment: commitment, Height: genesis.Height, Header: genesis}})
	return nil
}

// SubmitMainChainHeaders extends the canonical tip. tip must be the current
// tip's StoredHeader. An empty headers list only re-asserts the tip.
func (r *Relay) SubmitMainChainHeaders(tip consensus.StoredHeader, headers []consensus.CompactHeader, nowBound uint32) (SubmitResult, error) {
	r.mtx.Lock()
	cur, err := r.loadTip()
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("main", err)
	}
	if commitment := tip.Commitment(); commitment != cur.Commitment {
		err := r.staleTipError(cur, tip.Height, commitment)
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("main", err)
	}

	derived, err := r.extend(tip, headers, nowBound)
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("main", err)
	}
	if len(derived) == 0 {
		r.mtx.Unlock()
		return SubmitResult{TipHeight: cur.Height, TipCommitment: cur.Commitment}, nil
	}

	last := derived[len(derived)-1]
	newTip := store.Tip{Height: last.Height, Commitment: last.Commitment(), Work: last.Work()}
	cs := store.ChangeSet{Tip: &newTip, Headers: derived, Canonical: canonicalEntries(derived)}
	if err := r.store.Commit(cs); err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, fmt.Errorf("commit main chain: %w", err)
	}

	r.metrics.HeadersStored.Add(float64(len(derived)))
	r.metrics.TipHeight.Set(float64(newTip.Height))
	r.logger.Info("extended main chain", "headers", len(derived), "height", newTip.Height, "commitment", log.Hexadecimal(newTip.Commitment[:]))

	r.publishAndUnlock(storedEvents(derived, store.ForkKey{}))
	return SubmitResult{Headers: derived, TipHeight: newTip.Height, TipCommitment: newTip.Commitment}, nil
}

// SubmitShortForkChainHeaders replaces the canonical chain above ancestor in
// one call. The fork must end with strictly more cumulative work than the
// current tip.
func (r *Relay) SubmitShortForkChainHeaders(submitter [20]byte, ancestor consensus.StoredHeader, headers []consensus.CompactHeader, nowBound uint32) (SubmitResult, error) {
	r.mtx.Lock()
	cur, err := r.loadTip()
	if err == nil {
		err = r.checkCanonicalAncestor(cur, ancestor)
	}
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("short_fork", err)
	}

	derived, err := r.extend(ancestor, headers, nowBound)
	if err == nil {
		err = requireMoreWork(lastWork(ancestor, derived), cur.Work)
	}
	if err == nil && len(derived) == 0 {
		err = consensus.Errorf(consensus.ERR_INSUFFICIENT_WORK, "empty fork")
	}
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("short_fork", err)
	}

	last := derived[len(derived)-1]
	newTip := store.Tip{Height: last.Height, Commitment: last.Commitment(), Work: last.Work()}
	cs := store.ChangeSet{Tip: &newTip, Headers: derived, Canonical: canonicalEntries(derived)}
	if err := r.store.Commit(cs); err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, fmt.Errorf("commit short fork: %w", err)
	}

	r.metrics.HeadersStored.Add(float64(len(derived)))
	r.metrics.Reorgs.Add(1)
	r.metrics.TipHeight.Set(float64(newTip.Height))
	r.logger.Info("reorganized via short fork",
		"submitter", log.Hexadecimal(submitter[:]),
		"start_height", ancestor.Height+1,
		"old_height", cur.Height,
		"height", newTip.Height,
		"commitment", log.Hexadecimal(newTip.Commitment[:]))

	events := storedEvents(derived, store.ForkKey{})
	events = append(events, ChainReorganized{
		TipCommitment: newTip.Commitment,
		TipHeight:     newTip.Height,
		Submitter:     submitter,
		StartHeight:   ancestor.Height + 1,
	})
	r.publishAndUnlock(events)
	return SubmitResult{Headers: derived, TipHeight: newTip.Height, TipCommitment: newTip.Commitment, Reorganized: true}, nil
}

// SubmitForkChainHeaders accumulates a long fork across calls. The first
// call for (submitter, forkID) starts from a canonical ancestor; later calls
// continue from the candidate's own tip. The candidate is promoted to
// canonical in the call that gives it more work than the tip.
func (r *Relay) SubmitForkChainHeaders(submitter [20]byte, forkID uint32, start consensus.StoredHeader, headers []consensus.CompactHeader, nowBound uint32) (SubmitResult, error) {
	key := store.ForkKey{Submitter: submitter, ForkID: forkID}

	r.mtx.Lock()
	cur, err := r.loadTip()
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("long_fork", err)
	}
	fork, exists, err := r.store.LoadFork(key)
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, fmt.Errorf("load fork %s: %w", key, err)
	}

	if exists {
		err = r.checkForkContinuation(cur, fork, start)
	} else {
		err = r.checkCanonicalAncestor(cur, start)
		fork = store.ForkCandidate{
			Key:                key,
			StartHeight:        start.Height + 1,
			AncestorCommitment: start.Commitment(),
			TipWork:            start.Work(),
		}
	}
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("long_fork", err)
	}

	derived, err := r.extend(start, headers, nowBound)
	if err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, r.reject("long_fork", err)
	}
	if len(derived) == 0 {
		r.mtx.Unlock()
		res := SubmitResult{TipHeight: cur.Height, TipCommitment: cur.Commitment}
		if exists {
			res.Fork = &fork
		}
		return res, nil
	}

	fork.Commitments = append(fork.Commitments, commitments(derived)...)
	fork.TipWork = derived[len(derived)-1].Work()

	if fork.TipWork.Cmp(cur.Work) <= 0 {
		// Only a candidate that stays below the tip takes a slot.
		if !exists {
			if err := r.checkForkLimit(); err != nil {
				r.mtx.Unlock()
				return SubmitResult{}, r.reject("long_fork", err)
			}
		}
		if err := r.store.Commit(store.ChangeSet{Headers: derived, PutForks: []store.ForkCandidate{fork}}); err != nil {
			r.mtx.Unlock()
			return SubmitResult{}, fmt.Errorf("commit fork %s: %w", key, err)
		}
		r.metrics.HeadersStored.Add(float64(len(derived)))
		r.updateForkGauge()
		r.logger.Info("extended fork candidate",
			"fork", key.String(),
			"headers", len(derived),
			"fork_height", fork.TipHeight(),
			"tip_height", cur.Height)

		r.publishAndUnlock(storedEvents(derived, key))
		return SubmitResult{Headers: derived, TipHeight: cur.Height, TipCommitment: cur.Commitment, Fork: &fork}, nil
	}

	newTip := store.Tip{Height: fork.TipHeight(), Commitment: fork.TipCommitment(), Work: fork.TipWork}
	canonical := make([]store.CanonicalEntry, len(fork.Commitments))
	for i, c := range fork.Commitments {
		canonical[i] = store.CanonicalEntry{Height: fork.StartHeight + uint32(i), Commitment: c} // #nosec G115 -- i < len(fork.Commitments), heights checked in UpdateChain.
	}
	cs := store.ChangeSet{
		Tip:         &newTip,
		Headers:     derived,
		Canonical:   canonical,
		DeleteForks: []store.ForkKey{key},
	}
	if err := r.store.Commit(cs); err != nil {
		r.mtx.Unlock()
		return SubmitResult{}, fmt.Errorf("commit fork promotion %s: %w", key, err)
	}

	r.metrics.HeadersStored.Add(float64(len(derived)))
	r.metrics.Reorgs.Add(1)
	r.metrics.TipHeight.Set(float64(newTip.Height))
	r.updateForkGauge()
	r.logger.Info("promoted fork candidate",
		"fork", key.String(),
		"start_height", fork.StartHeight,
		"old_height", cur.Height,
		"height", newTip.Height,
		"commitment", log.Hexadecimal(newTip.Commitment[:]))

	events := storedEvents(derived, key)
	events = append(events, ChainReorganized{
		TipCommitment: newTip.Commitment,
		TipHeight:     newTip.Height,
		ForkID:        forkID,
		Submitter:     submitter,
		StartHeight:   fork.StartHeight,
	})
	r.publishAndUnlock(events)
	return SubmitResult{Headers: derived, TipHeight: newTip.Height, TipCommitment: newTip.Commitment, Reorganized: true}, nil
}

// AbandonFork drops a fork candidate. It reports whether one existed.
func (r *Relay) AbandonFork(submitter [20]byte, forkID uint32) (bool, error) {
	key := store.ForkKey{Submitter: submitter, ForkID: forkID}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, err := r.loadTip(); err != nil {
		return false, err
	}
	_, ok, err := r.store.LoadFork(key)
	if err != nil {
		return false, fmt.Errorf("load fork %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := r.store.Commit(store.ChangeSet{DeleteForks: []store.ForkKey{key}}); err != nil {
		return false, fmt.Errorf("delete fork %s: %w", key, err)
	}
	r.updateForkGauge()
	r.logger.Info("abandoned fork candidate", "fork", key.String())
	return true, nil
}

//-----------------------------------------------------------------------------
// Queries

func (r *Relay) Tip() (store.Tip, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.loadTip()
}

func (r *Relay) TipHeight() (uint32, error) {
	t, err := r.Tip()
	return t.Height, err
}

func (r *Relay) TipWork() (*big.Int, error) {
	t, err := r.Tip()
	if err != nil {
		return nil, err
	}
	return t.Work, nil
}

func (r *Relay) TipCommitment() ([32]byte, error) {
	t, err := r.Tip()
	return t.Commitment, err
}

// CommitmentAt returns the canonical commitment at height. Heights above the
// tip fail FutureBlock even if an older, longer chain once stored them.
func (r *Relay) CommitmentAt(height uint32) ([32]byte, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	cur, err := r.loadTip()
	if err != nil {
		return [32]byte{}, err
	}
	return r.commitmentAt(cur, height)
}

// VerifyBlockheader returns the number of confirmations of a canonical
// header: 1 for the tip itself.
func (r *Relay) VerifyBlockheader(h consensus.StoredHeader) (uint32, error) {
	return r.VerifyBlockheaderHash(h.Height, h.Commitment())
}

// VerifyBlockheaderHash is VerifyBlockheader for callers that already hold
// the commitment.
func (r *Relay) VerifyBlockheaderHash(height uint32, commitment [32]byte) (uint32, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	cur, err := r.loadTip()
	if err != nil {
		return 0, err
	}
	got, err := r.commitmentAt(cur, height)
	if err != nil {
		return 0, err
	}
	if got != commitment {
		return 0, consensus.Errorf(consensus.ERR_COMMITMENT_MISMATCH, "height %d", height)
	}
	return cur.Height - height + 1, nil
}

// HeaderByCommitment looks up any header the relay ever validated,
// canonical or not.
func (r *Relay) HeaderByCommitment(commitment [32]byte) (consensus.StoredHeader, bool, error) {
	return r.store.HeaderByCommitment(commitment)
}

// TipHeader returns the StoredHeader of the canonical tip.
func (r *Relay) TipHeader() (consensus.StoredHeader, error) {
	_, h, err := r.TipWithHeader()
	return h, err
}

// TipWithHeader reads the tip once and returns it with its StoredHeader, so
// both describe the same tip under concurrent submissions.
func (r *Relay) TipWithHeader() (store.Tip, consensus.StoredHeader, error) {
	cur, err := r.Tip()
	if err != nil {
		return store.Tip{}, consensus.StoredHeader{}, err
	}
	h, ok, err := r.store.HeaderByCommitment(cur.Commitment)
	if err != nil {
		return store.Tip{}, consensus.StoredHeader{}, err
	}
	if !ok {
		return store.Tip{}, consensus.StoredHeader{}, fmt.Errorf("tip header %x missing from archive", cur.Commitment)
	}
	return cur, h, nil
}

func (r *Relay) ForkCandidate(submitter [20]byte, forkID uint32) (store.ForkCandidate, bool, error) {
	return r.store.LoadFork(store.ForkKey{Submitter: submitter, ForkID: forkID})
}

//-----------------------------------------------------------------------------
// Internals. All of these expect r.mtx to be held.

func (r *Relay) loadTip() (store.Tip, error) {
	t, ok, err := r.store.LoadTip()
	if err != nil {
		return store.Tip{}, fmt.Errorf("load tip: %w", err)
	}
	if !ok {
		return store.Tip{}, consensus.Errorf(consensus.ERR_NOT_INITIALIZED, "")
	}
	return t, nil
}

func (r *Relay) commitmentAt(cur store.Tip, height uint32) ([32]byte, error) {
	if height > cur.Height {
		return [32]byte{}, consensus.Errorf(consensus.ERR_FUTURE_BLOCK, "height %d above tip %d", height, cur.Height)
	}
	c, ok, err := r.store.CommitmentAt(height)
	if err != nil {
		return [32]byte{}, fmt.Errorf("load commitment at %d: %w", height, err)
	}
	if !ok {
		// Below the starting header nothing is stored.
		return [32]byte{}, consensus.Errorf(consensus.ERR_COMMITMENT_MISMATCH, "height %d below relay start", height)
	}
	return c, nil
}

func (r *Relay) checkCanonicalAncestor(cur store.Tip, ancestor consensus.StoredHeader) error {
	if ancestor.Height > cur.Height {
		return consensus.Errorf(consensus.ERR_FORK_FROM_FUTURE_HEIGHT, "ancestor height %d, tip height %d", ancestor.Height, cur.Height)
	}
	c, ok, err := r.store.CommitmentAt(ancestor.Height)
	if err != nil {
		return fmt.Errorf("load commitment at %d: %w", ancestor.Height, err)
	}
	if !ok || c != ancestor.Commitment() {
		return consensus.Errorf(consensus.ERR_ANCESTOR_COMMITMENT_MISMATCH, "height %d", ancestor.Height)
	}
	return nil
}

func (r *Relay) checkForkContinuation(cur store.Tip, fork store.ForkCandidate, start consensus.StoredHeader) error {
	if start.Commitment() != fork.TipCommitment() {
		return consensus.Errorf(consensus.ERR_FORK_TIP_COMMITMENT_MISMATCH, "fork %s at height %d", fork.Key, fork.TipHeight())
	}
	ancestorHeight := fork.StartHeight - 1
	if ancestorHeight > cur.Height {
		return consensus.Errorf(consensus.ERR_FORK_ANCESTOR_REORGANIZED, "fork %s ancestor height %d above tip %d", fork.Key, ancestorHeight, cur.Height)
	}
	c, ok, err := r.store.CommitmentAt(ancestorHeight)
	if err != nil {
		return fmt.Errorf("load commitment at %d: %w", ancestorHeight, err)
	}
	if !ok || c != fork.AncestorCommitment {
		return consensus.Errorf(consensus.ERR_FORK_ANCESTOR_REORGANIZED, "fork %s ancestor at height %d", fork.Key, ancestorHeight)
	}
	return nil
}

// staleTipError classifies a main chain submission whose tip is not the
// current tip. A header that is canonical below the tip was valid once and
// the tip has moved past it. Anything else never matched a canonical header.
func (r *Relay) staleTipError(cur store.Tip, height uint32, commitment [32]byte) error {
	if height < cur.Height {
		c, ok, err := r.store.CommitmentAt(height)
		if err != nil {
			return fmt.Errorf("load canonical %d: %w", height, err)
		}
		if ok && c == commitment {
			return consensus.Errorf(consensus.ERR_NOT_AT_TIP_HEIGHT, "header height %d, tip height %d", height, cur.Height)
		}
	}
	return consensus.Errorf(consensus.ERR_TIP_COMMITMENT_MISMATCH, "height %d", height)
}

func (r *Relay) checkForkLimit() error {
	if r.maxForks <= 0 {
		return nil
	}
	n, err := r.store.ForkCount()
	if err != nil {
		return fmt.Errorf("count forks: %w", err)
	}
	if n >= r.maxForks {
		return consensus.Errorf(consensus.ERR_FORK_LIMIT_REACHED, "%d live fork candidates", n)
	}
	return nil
}

// extend validates headers on top of parent and returns the derived
// StoredHeaders. Nothing is written.
func (r *Relay) extend(parent consensus.StoredHeader, headers []consensus.CompactHeader, nowBound uint32) ([]consensus.StoredHeader, error) {
	out := make([]consensus.StoredHeader, 0, len(headers))
	prev := parent
	for i, c := range headers {
		_, next, err := consensus.UpdateChain(r.params, prev, c, nowBound)
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		out = append(out, next)
		prev = next
	}
	return out, nil
}

func (r *Relay) updateForkGauge() {
	if n, err := r.store.ForkCount(); err == nil {
		r.metrics.ForkCandidates.Set(float64(n))
	}
}

func (r *Relay) reject(kind string, err error) error {
	code := consensus.CodeOf(err)
	label := string(code)
	if label == "" {
		label = "internal"
	}
	r.metrics.RejectedSubmissions.With("code", label).Add(1)
	r.logger.Debug("rejected submission", "kind", kind, "code", label, "err", err)
	return err
}

// publishAndUnlock releases r.mtx and delivers events. emitMtx is taken
// before the release so events from consecutive submissions never
// interleave.
func (r *Relay) publishAndUnlock(events []Event) {
	r.emitMtx.Lock()
	r.mtx.Unlock()
	defer r.emitMtx.Unlock()
	r.events.publish(events)
}

func requireMoreWork(work, tipWork *big.Int) error {
	if work.Cmp(tipWork) <= 0 {
		return consensus.Errorf(consensus.ERR_INSUFFICIENT_WORK, "fork work %s, tip work %s", work, tipWork)
	}
	return nil
}

func lastWork(start consensus.StoredHeader, derived []consensus.StoredHeader) *big.Int {
	if len(derived) == 0 {
		return start.Work()
	}
	return derived[len(derived)-1].Work()
}

func commitments(headers []consensus.StoredHeader) [][32]byte {
	out := make([][32]byte, len(headers))
	for i, h := range headers {
		out[i] = h.Commitment()
	}
	return out
}

func canonicalEntries(headers []consensus.StoredHeader) []store.CanonicalEntry {
	out := make([]store.CanonicalEntry, len(headers))
	for i, h := range headers {
		out[i] = store.CanonicalEntry{Height: h.Height, Commitment: h.Commitment()}
	}
	return out
}

func storedEvents(headers []consensus.StoredHeader, fork store.ForkKey) []Event {
	out := make([]Event, len(headers))
	for i, h := range headers {
		out[i] = HeaderStored{Commitment: h.Commitment(), Height: h.Height, Header: h, Fork: fork}
	}
	return out
}
