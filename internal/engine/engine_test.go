package engine_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var frozen = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return frozen }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) submit(t *testing.T, reqID, orgID, category string) domain.Assignment {
	t.Helper()
	a, err := env.Engine.SubmitRequest(env.Ctx, engine.RequestCreateOptions{
		ID:             reqID,
		OrganizationID: orgID,
		PropertyID:     "prop-1",
		Description:    "leaking tap",
		Category:       category,
		RequesterID:    "owner-1",
	})
	if err != nil {
		t.Fatalf("submit %s: %v", reqID, err)
	}
	return a
}

func (env testEnv) worker(t *testing.T, id, orgID, name, specialty string) domain.Worker {
	t.Helper()
	w, err := env.Engine.RegisterWorker(env.Ctx, engine.WorkerCreateOptions{ID: id, OrganizationID: orgID, Name: name, Specialty: specialty})
	if err != nil {
		t.Fatalf("register worker %s: %v", id, err)
	}
	return w
}

func statuses(updates []domain.Update) []domain.Status {
	res := make([]domain.Status, 0, len(updates))
	for _, u := range updates {
		res = append(res, u.Status)
	}
	return res
}

func TestAssignmentLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "PLUMBING")
	if a.Status != domain.StatusUnassigned || !a.Unassigned() || a.Category != "PLUMBING" || a.OrganizationID != "O1" {
		t.Fatalf("unexpected new assignment: %+v", a)
	}
	if len(a.Updates) != 1 || a.Updates[0].Status != domain.StatusUnassigned {
		t.Fatalf("expected one UNASSIGNED update, got %+v", a.Updates)
	}
	env.worker(t, "W7", "O1", "Walt", "PLUMBING")
	env.worker(t, "W9", "O1", "Wendy", "PLUMBING")

	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W7", ActorID: "admin"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Status != domain.StatusAssigned || !a.AssignedTo("W7") || len(a.Updates) != 2 {
		t.Fatalf("unexpected assigned state: %+v", a)
	}

	u, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "COMPLETED", Note: "done", ActorID: "W7"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if u.Status != domain.StatusCompleted || u.Note != "done" || u.Seq != 3 {
		t.Fatalf("unexpected update: %+v", u)
	}

	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W9", ActorID: "admin"})
	if !errors.Is(err, engine.ErrOperationNotPermitted) {
		t.Fatalf("expected operation not permitted, got %v", err)
	}
	var closed *engine.ErrAssignmentClosed
	if !errors.As(err, &closed) {
		t.Fatalf("expected ErrAssignmentClosed, got %T", err)
	}

	got, err := env.Engine.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AssignedTo("W7") || got.Status != domain.StatusCompleted {
		t.Fatalf("closed assignment changed: %+v", got)
	}
	want := []domain.Status{domain.StatusUnassigned, domain.StatusAssigned, domain.StatusCompleted}
	if s := statuses(got.Updates); len(s) != 3 || s[0] != want[0] || s[1] != want[1] || s[2] != want[2] {
		t.Fatalf("ledger = %v, want %v", s, want)
	}
}

func TestClosedAssignmentRejectsMutations(t *testing.T) {
	for _, final := range []string{"COMPLETED", "CANCELLED"} {
		t.Run(final, func(t *testing.T) {
			env := newTestEnv(t)
			a := env.submit(t, "req-"+final, "O1", "HVAC")
			env.worker(t, "W1", "O1", "Hank", "HVAC")
			if _, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: final}); err != nil {
				t.Fatalf("close: %v", err)
			}
			for _, next := range []string{"UNASSIGNED", "ASSIGNED", "COMPLETED", "CANCELLED"} {
				_, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: next})
				if !errors.Is(err, engine.ErrOperationNotPermitted) {
					t.Fatalf("%s -> %s: expected operation not permitted, got %v", final, next, err)
				}
			}
			if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W1"}); !errors.Is(err, engine.ErrOperationNotPermitted) {
				t.Fatalf("assign closed: expected operation not permitted, got %v", err)
			}
			history, err := env.Engine.History(env.Ctx, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(history) != 2 {
				t.Fatalf("expected ledger of 2 entries, got %d", len(history))
			}
		})
	}
}

func TestUpdateStatusRejectsUnknownTagBeforeLookup(t *testing.T) {
	env := newTestEnv(t)
	for _, tag := range []string{"DONE", "completed", ""} {
		_, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: "does-not-exist", Status: tag})
		if !errors.Is(err, engine.ErrInvalidStatus) {
			t.Fatalf("status %q: expected invalid status, got %v", tag, err)
		}
		if errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("status %q: lookup ran before validation", tag)
		}
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "PLUMBING")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: "missing", WorkerID: "W1"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("assign missing assignment: %v", err)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "ghost"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("assign missing worker: %v", err)
	}
	env.worker(t, "W-other", "O2", "Otto", "PLUMBING")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W-other"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("assign worker from another org: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: "missing", Status: "ASSIGNED"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if _, err := env.Engine.GetByRequestID(env.Ctx, "req-none"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("by request: %v", err)
	}
	if _, err := env.Engine.GetForOrganization(env.Ctx, "O2", a.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("cross-org get: %v", err)
	}
	if _, err := env.Engine.CreateAssignment(env.Ctx, domain.WorkRequest{ID: "never-accepted"}, "admin"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("create for unknown request: %v", err)
	}
}

func TestCreateAssignmentOncePerRequest(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "PLUMBING")
	got, err := env.Engine.GetByRequestID(env.Ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != a.ID || got.RequestID != "req-1" || len(got.Updates) != 1 {
		t.Fatalf("unexpected assignment for request: %+v", got)
	}
	_, err = env.Engine.CreateAssignment(env.Ctx, domain.WorkRequest{ID: "req-1"}, "admin")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict on second assignment, got %v", err)
	}
	list, err := env.Engine.ListForOrganization(env.Ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(list))
	}
}

func TestSubmitRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.RequestCreateOptions{
		{PropertyID: "p", Description: "d", Category: "PLUMBING"},
		{OrganizationID: "O1", Description: "d", Category: "PLUMBING"},
		{OrganizationID: "O1", PropertyID: "p", Description: "  ", Category: "PLUMBING"},
		{OrganizationID: "O1", PropertyID: "p", Description: "d", Category: "ROOFING"},
	}
	for i, c := range cases {
		_, err := env.Engine.SubmitRequest(env.Ctx, c)
		var ve *engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestLedgerOrderedUnderFrozenClock(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "ELECTRICAL")
	env.worker(t, "W1", "O1", "Ella", "ELECTRICAL")
	env.worker(t, "W2", "O1", "Eric", "ELECTRICAL")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W2"}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "UNASSIGNED", Note: "back to pool"}); err != nil {
		t.Fatalf("permissive move back: %v", err)
	}
	history, err := env.Engine.History(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq != history[i-1].Seq+1 {
			t.Fatalf("seq gap at %d: %d after %d", i, history[i].Seq, history[i-1].Seq)
		}
		if !history[i].CreatedAt.After(history[i-1].CreatedAt) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
	got, err := env.Engine.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AssignedTo("W2") || got.Status != domain.StatusUnassigned {
		t.Fatalf("unexpected state after move back: %+v", got)
	}
}

func TestListOrderingAndUnassignedFilter(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "req-1", "O1", "PLUMBING")
	second := env.submit(t, "req-2", "O1", "PLUMBING")
	third := env.submit(t, "req-3", "O1", "PLUMBING")
	env.submit(t, "req-x", "O2", "PLUMBING")
	env.worker(t, "W1", "O1", "Walt", "PLUMBING")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: second.ID, WorkerID: "W1"}); err != nil {
		t.Fatal(err)
	}

	all, err := env.Engine.ListForOrganization(env.Ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != third.ID || all[1].ID != second.ID || all[2].ID != first.ID {
		t.Fatalf("expected newest first, got %v", ids(all))
	}
	if len(all[1].Updates) != 2 {
		t.Fatalf("expected ledger attached to listed assignment")
	}

	unassigned, err := env.Engine.ListUnassigned(env.Ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	var want []string
	for _, a := range all {
		if a.WorkerID == nil {
			want = append(want, a.ID)
		}
	}
	got := ids(unassigned)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unassigned = %v, want %v", got, want)
	}
}

func TestWorkerScopedAccess(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "CLEANING")
	b := env.submit(t, "req-2", "O1", "CLEANING")
	env.worker(t, "W1", "O1", "Cleo", "CLEANING")
	env.worker(t, "W2", "O1", "Cole", "CLEANING")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: b.ID, WorkerID: "W2"}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.GetByWorkerAndID(env.Ctx, "W1", a.ID); err != nil {
		t.Fatalf("own assignment: %v", err)
	}
	if _, err := env.Engine.GetByWorkerAndID(env.Ctx, "W1", b.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("other worker's assignment: %v", err)
	}
	if _, err := env.Engine.UpdateStatusForWorker(env.Ctx, "W1", engine.StatusUpdateOptions{AssignmentID: b.ID, Status: "COMPLETED"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("worker update on foreign assignment: %v", err)
	}
	if _, err := env.Engine.UpdateStatusForWorker(env.Ctx, "W1", engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "COMPLETED", ActorID: "W1"}); err != nil {
		t.Fatalf("worker update: %v", err)
	}

	mine, err := env.Engine.ListForWorker(env.Ctx, "W1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != a.ID || mine[0].Status != domain.StatusCompleted {
		t.Fatalf("unexpected worker list: %+v", mine)
	}
}

func TestStrictPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Lifecycle.TransitionPolicy = config.PolicyStrict
	env := newTestEnvWithConfig(t, cfg)
	a := env.submit(t, "req-1", "O1", "PAINTING")
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "COMPLETED"})
	var notAllowed *engine.ErrTransitionNotAllowed
	if !errors.As(err, &notAllowed) || !errors.Is(err, engine.ErrOperationNotPermitted) {
		t.Fatalf("expected transition not allowed, got %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "CANCELLED"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "CARPENTRY")
	env.worker(t, "W1", "O1", "Carl", "CARPENTRY")
	env.worker(t, "W2", "O1", "Cara", "CARPENTRY")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, w := range []string{"W1", "W2"} {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: w, ExpectedVersion: a.Version})
		}(i, w)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, engine.ErrConflict):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", wins, errs)
	}
	history, err := env.Engine.History(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(history))
	}
}

func TestStaleExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "APPLIANCE")
	env.worker(t, "W1", "O1", "Ada", "APPLIANCE")
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "ASSIGNED"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W1", ExpectedVersion: a.Version})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAssignWithoutVersionReassignsInOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "CARPENTRY")
	env.worker(t, "W1", "O1", "Carl", "CARPENTRY")
	env.worker(t, "W2", "O1", "Cara", "CARPENTRY")

	first, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W1"})
	if err != nil {
		t.Fatalf("assign W1: %v", err)
	}
	second, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W2"})
	if err != nil {
		t.Fatalf("assign W2: %v", err)
	}
	if !second.AssignedTo("W2") || second.Version != first.Version+1 {
		t.Fatalf("expected W2 at version %d, got %+v", first.Version+1, second)
	}
	want := []domain.Status{domain.StatusUnassigned, domain.StatusAssigned, domain.StatusAssigned}
	if got := statuses(second.Updates); !slices.Equal(got, want) {
		t.Fatalf("ledger = %v, want %v", got, want)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W1", ExpectedVersion: first.Version}); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("assign from the first snapshot should conflict, got %v", err)
	}
}

func TestFailedLedgerAppendRollsBackMutation(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "PLUMBING")
	env.worker(t, "W7", "O1", "Walt", "PLUMBING")

	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER reject_updates BEFORE INSERT ON assignment_updates
BEGIN SELECT RAISE(ABORT, 'ledger unavailable'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "COMPLETED"})
	var infra *engine.InfrastructureError
	if !errors.As(err, &infra) || !engine.IsRetryable(err) {
		t.Fatalf("expected retryable infrastructure error, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: a.ID, WorkerID: "W7"})
	if !engine.IsRetryable(err) {
		t.Fatalf("expected retryable infrastructure error from assign, got %v", err)
	}

	got, err := env.Engine.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusUnassigned || got.WorkerID != nil || got.Version != a.Version || len(got.Updates) != 1 {
		t.Fatalf("mutation leaked past the failed append: %+v", got)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER reject_updates`); err != nil {
		t.Fatal(err)
	}
	u, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "COMPLETED"})
	if err != nil {
		t.Fatalf("update after recovery: %v", err)
	}
	if u.Seq != 2 {
		t.Fatalf("expected seq 2 after recovery, got %d", u.Seq)
	}
}

func TestMatchWorkersByLoad(t *testing.T) {
	env := newTestEnv(t)
	busy := env.submit(t, "req-1", "O1", "PLUMBING")
	target := env.submit(t, "req-2", "O1", "PLUMBING")
	env.worker(t, "W1", "O1", "Alice", "PLUMBING")
	env.worker(t, "W2", "O1", "Bob", "PLUMBING")
	env.worker(t, "W3", "O1", "Carol", "PLUMBING")
	env.worker(t, "W4", "O1", "Dan", "ELECTRICAL")
	env.worker(t, "W5", "O2", "Eve", "PLUMBING")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{AssignmentID: busy.ID, WorkerID: "W1"}); err != nil {
		t.Fatal(err)
	}

	candidates, err := env.Engine.MatchWorkers(env.Ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range candidates {
		got = append(got, c.Worker.ID)
	}
	if len(got) != 3 || got[0] != "W2" || got[1] != "W3" || got[2] != "W1" {
		t.Fatalf("candidates = %v, want [W2 W3 W1]", got)
	}
	if candidates[2].OpenCount != 1 {
		t.Fatalf("expected open count 1 for W1, got %d", candidates[2].OpenCount)
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "req-1", "O1", "GENERAL")
	env.submit(t, "req-2", "O1", "GENERAL")
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdateOptions{AssignmentID: a.ID, Status: "CANCELLED"}); err != nil {
		t.Fatal(err)
	}
	counts, err := env.Engine.Summary(env.Ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusUnassigned] != 1 || counts[domain.StatusCancelled] != 1 || counts[domain.StatusAssigned] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func ids(list []domain.Assignment) []string {
	res := make([]string, 0, len(list))
	for _, a := range list {
		res = append(res, a.ID)
	}
	return res
}
