package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const pendingChangesKeySuffix = "_pending_changes"

type SyncStatus int

const (
	SyncStatusIdle SyncStatus = iota
	SyncStatusSyncing
	SyncStatusSuccess
	SyncStatusError
)

func (self SyncStatus) String() string {
	switch self {
	case SyncStatusIdle:
		return "idle"
	case SyncStatusSyncing:
		return "syncing"
	case SyncStatusSuccess:
		return "success"
	case SyncStatusError:
		return "error"
	default:
		return "unknown"
	}
}

type ChangeKind string

const (
	ChangeKindUpdate ChangeKind = "update"
	ChangeKindDelete ChangeKind = "delete"
)

// PendingChange is a locally applied mutation not yet confirmed by the
// remote source. The log is append only and ordered by insertion; updates
// are not coalesced by field. For a delete, the payload names the removed
// fields.
type PendingChange struct {
	// unix milliseconds
	Timestamp int64      `json:"timestamp"`
	Kind      ChangeKind `json:"kind"`
	Payload   Patch      `json:"payload,omitempty"`
}

// SyncState is a point-in-time snapshot of one synchronized resource.
// `Data` is the authoritative merged view exposed to callers.
type SyncState[T any] struct {
	Data         T
	LastSyncedAt time.Time
	Status       SyncStatus
	Err          error
}

type SyncStateFunction[T any] func(state SyncState[T])

type FetchFunc[T any] func(ctx context.Context) (T, error)
type PushFunc[T any] func(ctx context.Context, data T) error

type SynchronizerSettings struct {
	// 0 disables periodic sync
	SyncInterval time.Duration
	// bounded retry for fetch and push, fixed delay between tries
	RetryAttempts int
	RetryDelay    time.Duration
	ErrorCallback ErrorFunction
	// override for tests
	Now func() time.Time
}

func DefaultSynchronizerSettings() *SynchronizerSettings {
	return &SynchronizerSettings{
		SyncInterval:  30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

type SynchronizerConfig[T any] struct {
	// storage key namespace for this resource.
	// concurrent synchronizers must use disjoint resource keys
	ResourceKey string
	Initial     T
	// durable backing for the pending log, so local mutations survive
	// restart. nil keeps the log in memory only
	Store Store
	// optional read-through cache kept current with the authoritative view
	Cache *Cache[T]
	// absence of either capability disables that half of synchronization
	Fetch FetchFunc[T]
	Push  PushFunc[T]
	// nil uses ShallowMerge
	Merge    MergeFunc[T]
	Validate ValidateFunc[T]
	// sync is a no-op while offline; the offline->online transition
	// triggers a sync when local changes are pending
	Connectivity *ConnectivityMonitor
	// optional channel whose open transitions also trigger a sync
	Channel *Channel
}

// Synchronizer keeps one resource's canonical local state reconciled
// against a remote source. Local mutations apply immediately and are
// recorded in a durable pending log; a sync cycle fetches the remote
// state, folds the pending log onto it in order, validates, pushes, and
// clears the log only after a confirmed push. A failed cycle never
// discards pending changes.
//
// Sync cycles are serialized per resource: a cycle requested while one is
// in flight is dropped, not queued.
type Synchronizer[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *SynchronizerConfig[T]
	settings *SynchronizerSettings
	merge    MergeFunc[T]

	stateLock    sync.Mutex
	data         T
	lastSyncedAt time.Time
	status       SyncStatus
	err          error
	syncing      bool
	pending      []PendingChange

	// held across snapshot and durable write of the pending log, so that
	// snapshot order equals write order and a stale shorter snapshot can
	// never overwrite a newer one. always acquired before `stateLock`
	persistLock sync.Mutex

	forceSync chan struct{}

	stateCallbacks *CallbackList[SyncStateFunction[T]]

	unsubs []func()
}

func NewSynchronizerWithDefaults[T any](
	ctx context.Context,
	config *SynchronizerConfig[T],
) *Synchronizer[T] {
	return NewSynchronizer(ctx, config, DefaultSynchronizerSettings())
}

func NewSynchronizer[T any](
	ctx context.Context,
	config *SynchronizerConfig[T],
	settings *SynchronizerSettings,
) *Synchronizer[T] {
	cancelCtx, cancel := context.WithCancel(ctx)

	merge := config.Merge
	if merge == nil {
		merge = ShallowMerge[T]
	}

	synchronizer := &Synchronizer[T]{
		ctx:            cancelCtx,
		cancel:         cancel,
		config:         config,
		settings:       settings,
		merge:          merge,
		data:           config.Initial,
		status:         SyncStatusIdle,
		forceSync:      make(chan struct{}, 1),
		stateCallbacks: NewCallbackList[SyncStateFunction[T]](),
	}

	synchronizer.loadPendingChanges()

	if config.Connectivity != nil {
		unsub := config.Connectivity.AddConnectivityCallback(func(online bool) {
			if online && 0 < synchronizer.PendingCount() {
				synchronizer.ForceSync()
			}
		})
		synchronizer.unsubs = append(synchronizer.unsubs, unsub)
	}
	if config.Channel != nil {
		unsub := config.Channel.AddStateCallback(func(state ChannelState) {
			if state == ChannelStateOpen && 0 < synchronizer.PendingCount() {
				synchronizer.ForceSync()
			}
		})
		synchronizer.unsubs = append(synchronizer.unsubs, unsub)
	}

	go synchronizer.run()

	return synchronizer
}

func (self *Synchronizer[T]) now() time.Time {
	if self.settings.Now != nil {
		return self.settings.Now()
	}
	return time.Now()
}

// the sync timer. a force sync re-enters the select, which re-arms the
// periodic timer, so a forced cycle also postpones the next scheduled one
func (self *Synchronizer[T]) run() {
	for {
		if 0 < self.settings.SyncInterval {
			select {
			case <-self.ctx.Done():
				return
			case <-self.forceSync:
				self.syncNow()
			case <-time.After(self.settings.SyncInterval):
				self.syncNow()
			}
		} else {
			select {
			case <-self.ctx.Done():
				return
			case <-self.forceSync:
				self.syncNow()
			}
		}
	}
}

func (self *Synchronizer[T]) syncNow() {
	// errors already land on the state and the error callback
	self.Sync(self.ctx)
}

// applies the partial change to the local view immediately and records it
// in the pending log. Never blocks on the network. A validator rejection
// leaves the local view and the log unchanged.
func (self *Synchronizer[T]) Update(patch Patch) error {
	return self.apply(ChangeKindUpdate, patch)
}

// removes the named fields from the local view and records the removal in
// the pending log
func (self *Synchronizer[T]) Delete(fields ...string) error {
	payload := Patch{}
	for _, field := range fields {
		payload[field] = nil
	}
	return self.apply(ChangeKindDelete, payload)
}

func (self *Synchronizer[T]) apply(kind ChangeKind, payload Patch) error {
	change := PendingChange{
		Timestamp: timeToMillis(self.now()),
		Kind:      kind,
		Payload:   payload,
	}

	var state SyncState[T]
	err := func() error {
		self.persistLock.Lock()
		defer self.persistLock.Unlock()

		var pendingSnapshot []PendingChange
		err := func() error {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			merged := self.applyChange(self.data, change)
			if self.config.Validate != nil {
				if err := self.config.Validate(merged); err != nil {
					return fmt.Errorf("%w: %v", ErrValidationFailed, err)
				}
			}
			self.data = merged
			self.pending = append(self.pending, change)
			pendingSnapshot = slices.Clone(self.pending)
			state = self.stateOverLock()
			return nil
		}()
		if err != nil {
			return err
		}

		self.storePendingChanges(pendingSnapshot)
		return nil
	}()
	if err != nil {
		return err
	}

	if self.config.Cache != nil {
		self.config.Cache.Set(self.config.ResourceKey, state.Data)
	}
	self.notifyState(state)
	return nil
}

func (self *Synchronizer[T]) applyChange(data T, change PendingChange) T {
	switch change.Kind {
	case ChangeKindDelete:
		fields := maps.Keys(change.Payload)
		slices.Sort(fields)
		return deleteFields(data, fields)
	default:
		return self.merge(data, change.Payload)
	}
}

// one reconciliation cycle. Returns nil without doing work when offline,
// when no fetch capability is configured, or when a cycle is already in
// flight. Otherwise: fetch remote state with bounded retry, fold the
// pending log onto it in order, validate, push when there are pending
// changes, and clear the pushed prefix of the log on success.
func (self *Synchronizer[T]) Sync(ctx context.Context) error {
	if self.config.Fetch == nil {
		return nil
	}
	if self.config.Connectivity != nil && !self.config.Connectivity.IsOnline() {
		glog.V(1).Infof("[sync]%s offline, skip\n", self.config.ResourceKey)
		return nil
	}

	var pendingSnapshot []PendingChange
	start := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.syncing {
			return false
		}
		self.syncing = true
		self.status = SyncStatusSyncing
		self.err = nil
		pendingSnapshot = slices.Clone(self.pending)
		return true
	}()
	if !start {
		glog.V(1).Infof("[sync]%s already syncing, skip\n", self.config.ResourceKey)
		return nil
	}
	defer func() {
		self.stateLock.Lock()
		self.syncing = false
		self.stateLock.Unlock()
	}()
	self.notifyState(self.State())

	remote, err := retryWithAttempts(
		ctx,
		self.settings.RetryAttempts,
		self.settings.RetryDelay,
		self.config.ResourceKey+" fetch",
		self.config.Fetch,
	)
	if err != nil {
		return self.fail(fmt.Errorf("%w: %v", ErrFetchFailed, err))
	}

	folded := remote
	for _, change := range pendingSnapshot {
		folded = self.applyChange(folded, change)
	}

	if self.config.Validate != nil {
		if err := self.config.Validate(folded); err != nil {
			// hard failure. the pending log stays intact so a later
			// cycle can retry against fresher remote state
			return self.fail(fmt.Errorf("%w: %v", ErrValidationFailed, err))
		}
	}

	pushed := false
	if self.config.Push != nil && 0 < len(pendingSnapshot) {
		_, err := retryWithAttempts(
			ctx,
			self.settings.RetryAttempts,
			self.settings.RetryDelay,
			self.config.ResourceKey+" push",
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, self.config.Push(ctx, folded)
			},
		)
		if err != nil {
			return self.fail(fmt.Errorf("%w: %v", ErrPushFailed, err))
		}
		pushed = true
	}

	var state SyncState[T]
	func() {
		self.persistLock.Lock()
		defer self.persistLock.Unlock()

		var remainingSnapshot []PendingChange
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			// only a confirmed push clears its prefix of the log. without a
			// push capability the log stays pending, and changes appended
			// while the cycle was in flight always stay pending. either way
			// the surviving log is re-folded onto the confirmed base
			base := remote
			clearCount := 0
			if pushed {
				base = folded
				clearCount = len(pendingSnapshot)
			}
			remaining := slices.Clone(self.pending[clearCount:])
			data := base
			for _, change := range remaining {
				data = self.applyChange(data, change)
			}
			self.data = data
			self.pending = remaining
			self.lastSyncedAt = self.now()
			self.status = SyncStatusSuccess
			self.err = nil
			state = self.stateOverLock()
			remainingSnapshot = remaining
		}()

		self.storePendingChanges(remainingSnapshot)
	}()

	if self.config.Cache != nil {
		self.config.Cache.Set(self.config.ResourceKey, state.Data)
	}
	glog.V(1).Infof("[sync]%s success\n", self.config.ResourceKey)
	self.notifyState(state)
	return nil
}

func (self *Synchronizer[T]) fail(err error) error {
	self.stateLock.Lock()
	self.status = SyncStatusError
	self.err = err
	state := self.stateOverLock()
	self.stateLock.Unlock()

	glog.Infof("[sync]%s error = %s\n", self.config.ResourceKey, err)
	if self.settings.ErrorCallback != nil {
		self.settings.ErrorCallback(err)
	}
	self.notifyState(state)
	return err
}

// cancels the scheduled periodic sync and requests a cycle now. Does not
// abort a cycle already in flight; in that case the request is dropped by
// the in-flight guard.
func (self *Synchronizer[T]) ForceSync() {
	select {
	case self.forceSync <- struct{}{}:
	default:
	}
}

func (self *Synchronizer[T]) State() SyncState[T] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateOverLock()
}

// must be called with stateLock held
func (self *Synchronizer[T]) stateOverLock() SyncState[T] {
	return SyncState[T]{
		Data:         self.data,
		LastSyncedAt: self.lastSyncedAt,
		Status:       self.status,
		Err:          self.err,
	}
}

func (self *Synchronizer[T]) Data() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.data
}

func (self *Synchronizer[T]) PendingChanges() []PendingChange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.pending)
}

func (self *Synchronizer[T]) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// returns a function to remove the callback
func (self *Synchronizer[T]) AddStateCallback(callback SyncStateFunction[T]) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Synchronizer[T]) notifyState(state SyncState[T]) {
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

func (self *Synchronizer[T]) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
}

func (self *Synchronizer[T]) pendingChangesKey() string {
	return self.config.ResourceKey + pendingChangesKeySuffix
}

func (self *Synchronizer[T]) loadPendingChanges() {
	if self.config.Store == nil {
		return
	}

	value, ok, err := self.config.Store.Get(self.pendingChangesKey())
	if err != nil {
		self.reportStorageError(fmt.Errorf("read pending log: %w", err))
		return
	}
	if !ok {
		return
	}

	pending := []PendingChange{}
	if err := json.Unmarshal([]byte(value), &pending); err != nil {
		self.reportStorageError(fmt.Errorf("decode pending log: %w", err))
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pending = pending
	// restore the local view by replaying the surviving log
	for _, change := range pending {
		self.data = self.applyChange(self.data, change)
	}
}

// best effort. a storage failure never blocks the in-memory log
func (self *Synchronizer[T]) storePendingChanges(pending []PendingChange) {
	if self.config.Store == nil {
		return
	}

	if len(pending) == 0 {
		if err := self.config.Store.Remove(self.pendingChangesKey()); err != nil {
			self.reportStorageError(fmt.Errorf("clear pending log: %w", err))
		}
		return
	}

	b, err := json.Marshal(pending)
	if err != nil {
		self.reportStorageError(fmt.Errorf("encode pending log: %w", err))
		return
	}
	if err := self.config.Store.Set(self.pendingChangesKey(), string(b)); err != nil {
		self.reportStorageError(fmt.Errorf("write pending log: %w", err))
	}
}

func (self *Synchronizer[T]) reportStorageError(err error) {
	glog.Infof("[sync]%s storage error = %s\n", self.config.ResourceKey, err)
	if self.settings.ErrorCallback != nil {
		self.settings.ErrorCallback(err)
	}
}
