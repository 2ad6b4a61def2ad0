package profile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"billflow/engine"
	"billflow/internal/pgxtest"
	"billflow/task"
	"billflow/task/tasktest"
)

type fakeProfiles struct {
	rows map[string]*BillingProfile
}

func newFakeProfiles(rows ...BillingProfile) *fakeProfiles {
	f := &fakeProfiles{rows: make(map[string]*BillingProfile)}
	for i := range rows {
		bp := rows[i]
		f.rows[bp.AccountID] = &bp
	}
	return f
}

func (f *fakeProfiles) GetBillingProfile(ctx context.Context, accountID string) (BillingProfile, error) {
	bp, ok := f.rows[accountID]
	if !ok {
		return BillingProfile{}, ErrNotFound
	}
	return *bp, nil
}

func (f *fakeProfiles) GetBillingProfileForUpdateTx(ctx context.Context, tx pgx.Tx, accountID string) (BillingProfile, error) {
	return f.GetBillingProfile(ctx, accountID)
}

func (f *fakeProfiles) TransitionTx(ctx context.Context, tx pgx.Tx, accountID string, from State, expectedVersion int64, to State, nowMs int64) error {
	bp, ok := f.rows[accountID]
	if !ok {
		return fmt.Errorf("profile: %s missing: %w", accountID, engine.ErrDataIntegrity)
	}
	if bp.State != from || bp.Version != expectedVersion {
		return fmt.Errorf("profile: %s at %s v%d: %w", accountID, bp.State, bp.Version, engine.ErrConflict)
	}
	bp.State = to
	bp.Version++
	bp.UpdatedTimeMs = nowMs
	return nil
}

type fakeChecker struct {
	unpaid map[string]bool
}

func (f *fakeChecker) UnpaidTx(ctx context.Context, tx pgx.Tx, statementID string) (bool, error) {
	u, ok := f.unpaid[statementID]
	if !ok {
		return false, fmt.Errorf("profile: payment %s missing: %w", statementID, engine.ErrDataIntegrity)
	}
	return u, nil
}

type syncCall struct {
	accountID string
	state     State
	version   int64
}

type fakeSyncer struct {
	calls []syncCall
	err   error
}

func (f *fakeSyncer) SyncProfile(ctx context.Context, accountID string, state State, version int64) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, syncCall{accountID, state, version})
	return nil
}

type profileFixture struct {
	svc      *Service
	profiles *fakeProfiles
	tasks    *tasktest.Recorder
	checker  *fakeChecker
	syncer   *fakeSyncer
}

func newProfileFixture(t *testing.T, rows ...BillingProfile) *profileFixture {
	t.Helper()
	profiles := newFakeProfiles(rows...)
	tasks := tasktest.New()
	checker := &fakeChecker{unpaid: make(map[string]bool)}
	syncer := &fakeSyncer{}
	svc := NewService(&pgxtest.FakePool{}, profiles, tasks, checker, syncer, zerolog.Nop()).
		WithClock(func() int64 { return 1_000_000 })
	return &profileFixture{svc: svc, profiles: profiles, tasks: tasks, checker: checker, syncer: syncer}
}

func healthyProfile() BillingProfile {
	return BillingProfile{AccountID: "acct-1", State: StateHealthy, Version: 3, ProcessorCustomerID: "cus_1"}
}

func suspensionTask() task.Task {
	return task.New(task.TypeSuspension, "st-1", 0, 1_000_000).
		WithPayload(SuspensionPayload{AccountID: "acct-1"})
}

func TestProcessSuspensionSuspendsWhileUnpaid(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	fx.checker.unpaid["st-1"] = true
	tk := suspensionTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSuspension(context.Background(), tk); err != nil {
		t.Fatalf("ProcessSuspension: %v", err)
	}

	bp, _ := fx.profiles.GetBillingProfile(context.Background(), "acct-1")
	if bp.State != StateSuspended {
		t.Fatalf("state = %s, want %s", bp.State, StateSuspended)
	}
	if bp.Version != 4 {
		t.Fatalf("version = %d, want 4", bp.Version)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("suspension task not deleted")
	}
	sync, ok := fx.tasks.Rows[task.Ref{Type: task.TypeProfileSync, Key: "acct-1"}]
	if !ok {
		t.Fatal("sync task not chained")
	}
	if sync.Version != 4 {
		t.Fatalf("sync task version = %d, want 4", sync.Version)
	}
	if got := len(fx.tasks.OfType(task.TypeNotification)); got != 1 {
		t.Fatalf("notification tasks = %d, want 1", got)
	}
}

func TestProcessSuspensionSupersedesOlderSyncTask(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	fx.checker.unpaid["st-1"] = true
	stale := task.New(task.TypeProfileSync, "acct-1", 0, 0).WithVersion(3)
	fx.tasks.Rows[stale.Ref()] = stale
	tk := suspensionTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSuspension(context.Background(), tk); err != nil {
		t.Fatalf("ProcessSuspension: %v", err)
	}
	sync := fx.tasks.Rows[task.Ref{Type: task.TypeProfileSync, Key: "acct-1"}]
	if sync.Version != 4 {
		t.Fatalf("sync task version = %d, want the superseding 4", sync.Version)
	}
}

func TestProcessSuspensionPaidInsideGraceIsNoOp(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	fx.checker.unpaid["st-1"] = false
	tk := suspensionTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSuspension(context.Background(), tk); err != nil {
		t.Fatalf("ProcessSuspension: %v", err)
	}
	bp, _ := fx.profiles.GetBillingProfile(context.Background(), "acct-1")
	if bp.State != StateHealthy {
		t.Fatalf("state = %s, want %s", bp.State, StateHealthy)
	}
	if bp.Version != 3 {
		t.Fatalf("version = %d, want unchanged 3", bp.Version)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("spent suspension task not deleted")
	}
	if got := len(fx.tasks.OfType(task.TypeProfileSync)); got != 0 {
		t.Fatalf("sync tasks = %d, want 0", got)
	}
}

func TestProcessSuspensionAlreadySuspendedIsNoOp(t *testing.T) {
	bp := healthyProfile()
	bp.State = StateSuspended
	fx := newProfileFixture(t, bp)
	fx.checker.unpaid["st-1"] = true
	tk := suspensionTask()
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSuspension(context.Background(), tk); err != nil {
		t.Fatalf("ProcessSuspension: %v", err)
	}
	got, _ := fx.profiles.GetBillingProfile(context.Background(), "acct-1")
	if got.Version != 3 {
		t.Fatalf("version = %d, want unchanged 3", got.Version)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("suspension task not deleted")
	}
}

func TestProcessSyncDeliversCurrentVersion(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	tk := task.New(task.TypeProfileSync, "acct-1", 0, 0).WithVersion(3)
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSync(context.Background(), tk); err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if len(fx.syncer.calls) != 1 {
		t.Fatalf("sync calls = %d, want 1", len(fx.syncer.calls))
	}
	call := fx.syncer.calls[0]
	if call.accountID != "acct-1" || call.state != StateHealthy || call.version != 3 {
		t.Fatalf("sync call = %+v", call)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("sync task not deleted")
	}
}

func TestProcessSyncStaleVersionIsDiscarded(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	tk := task.New(task.TypeProfileSync, "acct-1", 0, 0).WithVersion(2)
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSync(context.Background(), tk); err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if len(fx.syncer.calls) != 0 {
		t.Fatalf("stale sync delivered: %+v", fx.syncer.calls)
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; ok {
		t.Fatal("stale sync task not deleted")
	}
}

func TestProcessSyncTransientFailureKeepsTask(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	fx.syncer.err = errors.New("downstream unavailable")
	tk := task.New(task.TypeProfileSync, "acct-1", 0, 0).WithVersion(3)
	fx.tasks.Rows[tk.Ref()] = tk

	if err := fx.svc.ProcessSync(context.Background(), tk); err == nil {
		t.Fatal("expected sync failure to surface")
	}
	if _, ok := fx.tasks.Rows[tk.Ref()]; !ok {
		t.Fatal("sync task must survive a failed delivery")
	}
}

func TestReinstateBumpsVersionAndChainsSync(t *testing.T) {
	bp := healthyProfile()
	bp.State = StateSuspended
	fx := newProfileFixture(t, bp)

	err := fx.svc.ReinstateTx(context.Background(), &pgxtest.FakeTx{}, "acct-1")
	if err != nil {
		t.Fatalf("ReinstateTx: %v", err)
	}
	got, _ := fx.profiles.GetBillingProfile(context.Background(), "acct-1")
	if got.State != StateHealthy {
		t.Fatalf("state = %s, want %s", got.State, StateHealthy)
	}
	if got.Version != 4 {
		t.Fatalf("version = %d, want 4", got.Version)
	}
	sync, ok := fx.tasks.Rows[task.Ref{Type: task.TypeProfileSync, Key: "acct-1"}]
	if !ok {
		t.Fatal("sync task not chained")
	}
	if sync.Version != 4 {
		t.Fatalf("sync task version = %d, want 4", sync.Version)
	}
}

func TestReinstateHealthyProfileIsNoOp(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())

	if err := fx.svc.ReinstateTx(context.Background(), &pgxtest.FakeTx{}, "acct-1"); err != nil {
		t.Fatalf("ReinstateTx: %v", err)
	}
	got, _ := fx.profiles.GetBillingProfile(context.Background(), "acct-1")
	if got.Version != 3 {
		t.Fatalf("version = %d, want unchanged 3", got.Version)
	}
	if got := len(fx.tasks.OfType(task.TypeProfileSync)); got != 0 {
		t.Fatalf("sync tasks = %d, want 0", got)
	}
}

func TestProcessSuspensionMissingPayloadIsFatal(t *testing.T) {
	fx := newProfileFixture(t, healthyProfile())
	tk := task.New(task.TypeSuspension, "st-1", 0, 0).WithPayload(SuspensionPayload{})

	err := fx.svc.ProcessSuspension(context.Background(), tk)
	if !errors.Is(err, engine.ErrDataIntegrity) {
		t.Fatalf("err = %v, want ErrDataIntegrity", err)
	}
}
