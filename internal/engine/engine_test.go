package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"quill/internal/config"
	"quill/internal/db"
	"quill/internal/domain"
	"quill/internal/engine"
	"quill/internal/logging"
	"quill/internal/migrate"
	"quill/internal/notify"
	"quill/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Logger = logging.Discard()
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) client(t *testing.T, name string) domain.Client {
	t.Helper()
	res, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create client %s: %v", name, err)
	}
	return res.Client
}

func (env testEnv) doll(t *testing.T, name, status string) domain.Doll {
	t.Helper()
	d, err := env.Engine.CreateDoll(env.Ctx, engine.DollCreateOptions{Name: name, Status: status, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create doll %s: %v", name, err)
	}
	return d
}

func (env testEnv) letter(t *testing.T, clientID int64) domain.Letter {
	t.Helper()
	l, err := env.Engine.CreateLetter(env.Ctx, engine.LetterCreateOptions{ClientID: clientID, Content: "dear friend", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create letter: %v", err)
	}
	return l
}

// seed writes a letter straight to the store, bypassing the assignment policy.
func (env testEnv) seed(t *testing.T, clientID int64, dollID *int64, status string) domain.Letter {
	t.Helper()
	l := domain.Letter{ClientID: clientID, DollID: dollID, Date: "2024-01-01", Status: status, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	id, err := env.Engine.Repo.InsertLetter(env.Ctx, env.Engine.DB, l)
	if err != nil {
		t.Fatalf("seed letter: %v", err)
	}
	l.ID = id
	return l
}

func (env testEnv) assigned(t *testing.T, dollID int64) int {
	t.Helper()
	n, err := env.Engine.Repo.CountLettersByDoll(env.Ctx, env.Engine.DB, dollID, "")
	if err != nil {
		t.Fatalf("count letters: %v", err)
	}
	return n
}

func (env testEnv) get(t *testing.T, id int64) domain.Letter {
	t.Helper()
	l, err := env.Engine.GetLetter(env.Ctx, id)
	if err != nil {
		t.Fatalf("get letter %d: %v", id, err)
	}
	return l
}

// checkInvariants asserts the cap on every doll and waiting <=> no doll on every letter.
func checkInvariants(t *testing.T, env testEnv) {
	t.Helper()
	loads, err := env.Engine.DollLoads(env.Ctx, repo.DollFilters{})
	if err != nil {
		t.Fatalf("doll loads: %v", err)
	}
	for _, d := range loads {
		if d.Assigned > env.Engine.Capacity() {
			t.Fatalf("doll %d holds %d letters, cap %d", d.ID, d.Assigned, env.Engine.Capacity())
		}
	}
	letters, err := env.Engine.ListLetters(env.Ctx, repo.LetterFilters{})
	if err != nil {
		t.Fatalf("list letters: %v", err)
	}
	for _, l := range letters {
		if (l.Status == domain.LetterWaiting) != (l.DollID == nil) {
			t.Fatalf("letter %d status %s doll %v breaks waiting invariant", l.ID, l.Status, l.DollID)
		}
	}
}

func TestCreateLetterWaitsWithoutCapacity(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	l := env.letter(t, c.ID)
	if l.Status != domain.LetterWaiting || l.DollID != nil {
		t.Fatalf("expected waiting letter without doll, got %s %v", l.Status, l.DollID)
	}
	env.doll(t, "Sleepy", domain.DollInactive)
	l = env.letter(t, c.ID)
	if l.Status != domain.LetterWaiting || l.DollID != nil {
		t.Fatalf("inactive doll must not take letters, got %s %v", l.Status, l.DollID)
	}
	checkInvariants(t, env)
}

func TestCreateLetterAssignsToDollWithRoom(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	for i := 0; i < 4; i++ {
		env.letter(t, c.ID)
	}
	l := env.letter(t, c.ID)
	if l.Status != domain.LetterDraft || l.DollID == nil || *l.DollID != d.ID {
		t.Fatalf("expected draft on doll %d, got %s %v", d.ID, l.Status, l.DollID)
	}
	if n := env.assigned(t, d.ID); n != 5 {
		t.Fatalf("expected 5 letters on doll, got %d", n)
	}
	// Full now.
	l = env.letter(t, c.ID)
	if !l.Waiting() {
		t.Fatalf("expected waiting letter once the doll is full, got doll %v", l.DollID)
	}
	checkInvariants(t, env)
}

func TestCreateLetterPicksLeastLoadedDoll(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	a := env.doll(t, "A", domain.DollActive)
	b := env.doll(t, "B", domain.DollActive)
	env.seed(t, c.ID, &a.ID, domain.LetterDraft)
	l := env.letter(t, c.ID)
	if l.DollID == nil || *l.DollID != b.ID {
		t.Fatalf("expected least loaded doll %d, got %v", b.ID, l.DollID)
	}
	// Tie: lowest id wins.
	l = env.letter(t, c.ID)
	if l.DollID == nil || *l.DollID != a.ID {
		t.Fatalf("expected lowest id doll %d on tie, got %v", a.ID, l.DollID)
	}
}

func TestCreateLetterUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateLetter(env.Ctx, engine.LetterCreateOptions{ClientID: 404})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivateDollDrainsOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollInactive)
	for i := 0; i < 3; i++ {
		env.seed(t, c.ID, &d.ID, domain.LetterDraft)
	}
	var waiting []domain.Letter
	for i := 0; i < 10; i++ {
		waiting = append(waiting, env.letter(t, c.ID))
	}
	drained, err := env.Engine.ActivateDoll(env.Ctx, d.ID, "tester")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if drained != 2 {
		t.Fatalf("expected 2 drained, got %d", drained)
	}
	if n := env.assigned(t, d.ID); n != 5 {
		t.Fatalf("expected doll to hold 5, got %d", n)
	}
	for i, w := range waiting {
		got := env.get(t, w.ID)
		if i < 2 {
			if got.Status != domain.LetterDraft || got.DollID == nil || *got.DollID != d.ID {
				t.Fatalf("letter %d should be drained, got %s %v", w.ID, got.Status, got.DollID)
			}
			continue
		}
		if !got.Waiting() || got.Status != domain.LetterWaiting {
			t.Fatalf("letter %d should still wait, got %s %v", w.ID, got.Status, got.DollID)
		}
	}
	pool, err := env.Engine.WaitingPool(env.Ctx, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if len(pool) != 8 || pool[0].ID != waiting[2].ID {
		t.Fatalf("expected 8 waiting starting at %d, got %d", waiting[2].ID, len(pool))
	}
	checkInvariants(t, env)
}

func TestActivateFullDollDrainsNothing(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollInactive)
	for i := 0; i < 5; i++ {
		env.seed(t, c.ID, &d.ID, domain.LetterReviewed)
	}
	env.letter(t, c.ID)
	drained, err := env.Engine.SetDollStatus(env.Ctx, d.ID, domain.DollActive, "tester")
	if err != nil || drained != 0 {
		t.Fatalf("expected no drain into full doll, got %d %v", drained, err)
	}
	got, err := env.Engine.GetDoll(env.Ctx, d.ID)
	if err != nil || !got.Active() {
		t.Fatalf("expected doll active, got %+v %v", got, err)
	}
}

func TestCreateActiveDollDrainsPool(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	for i := 0; i < 7; i++ {
		env.letter(t, c.ID)
	}
	d := env.doll(t, "Rosa", domain.DollActive)
	if n := env.assigned(t, d.ID); n != 5 {
		t.Fatalf("expected 5 drained into new doll, got %d", n)
	}
	checkInvariants(t, env)
}

func TestDeactivateReleasesAllStatuses(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	ids := []int64{
		env.seed(t, c.ID, &d.ID, domain.LetterDraft).ID,
		env.seed(t, c.ID, &d.ID, domain.LetterReviewed).ID,
		env.seed(t, c.ID, &d.ID, domain.LetterSent).ID,
	}
	released, err := env.Engine.DeactivateDoll(env.Ctx, d.ID, "tester")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if released != 3 {
		t.Fatalf("expected 3 released, got %d", released)
	}
	if n := env.assigned(t, d.ID); n != 0 {
		t.Fatalf("expected empty doll, got %d", n)
	}
	for _, id := range ids {
		l := env.get(t, id)
		if l.Status != domain.LetterWaiting || l.DollID != nil {
			t.Fatalf("letter %d not released: %s %v", id, l.Status, l.DollID)
		}
	}
	got, _ := env.Engine.GetDoll(env.Ctx, d.ID)
	if got.Active() {
		t.Fatalf("expected doll inactive")
	}
	// Released letters are not redistributed to other dolls.
	other := env.doll(t, "Other", domain.DollInactive)
	if n := env.assigned(t, other.ID); n != 0 {
		t.Fatalf("unexpected redistribution: %d", n)
	}
	checkInvariants(t, env)
}

func TestLetterTransitions(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	env.doll(t, "Rosa", domain.DollActive)
	l := env.letter(t, c.ID)

	_, err := env.Engine.ChangeLetterStatus(env.Ctx, l.ID, domain.LetterSent, "tester")
	var terr engine.TransitionError
	if !errors.As(err, &terr) || terr.From != domain.LetterDraft || terr.To != domain.LetterSent {
		t.Fatalf("expected draft->sent transition error, got %v", err)
	}
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := env.get(t, l.ID); got.Status != domain.LetterDraft {
		t.Fatalf("status changed on refused transition: %s", got.Status)
	}
	l, err = env.Engine.ChangeLetterStatus(env.Ctx, l.ID, domain.LetterReviewed, "tester")
	if err != nil || l.Status != domain.LetterReviewed {
		t.Fatalf("to reviewed: %v", err)
	}
	l, err = env.Engine.ChangeLetterStatus(env.Ctx, l.ID, domain.LetterSent, "tester")
	if err != nil || l.Status != domain.LetterSent {
		t.Fatalf("to sent: %v", err)
	}
	if _, err := env.Engine.ChangeLetterStatus(env.Ctx, l.ID, domain.LetterDraft, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected sent->draft refused, got %v", err)
	}
	if _, err := env.Engine.ChangeLetterStatus(env.Ctx, l.ID, "archived", "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected unknown status refused, got %v", err)
	}
	if _, err := env.Engine.ChangeLetterStatus(env.Ctx, 999, domain.LetterReviewed, "tester"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWaitingLetterCannotBeMovedByHand(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	l := env.letter(t, c.ID)
	if _, err := env.Engine.ChangeLetterStatus(env.Ctx, l.ID, domain.LetterDraft, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected waiting->draft refused, got %v", err)
	}
}

func TestDeleteLetterRules(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollInactive)
	sent := env.seed(t, c.ID, &d.ID, domain.LetterSent)
	reviewed := env.seed(t, c.ID, &d.ID, domain.LetterReviewed)
	draft := env.seed(t, c.ID, &d.ID, domain.LetterDraft)
	waiting := env.letter(t, c.ID)

	for _, l := range []domain.Letter{sent, reviewed} {
		if err := env.Engine.DeleteLetter(env.Ctx, l.ID, "tester"); !errors.Is(err, engine.ErrInvalidOperation) {
			t.Fatalf("expected %s letter kept, got %v", l.Status, err)
		}
		env.get(t, l.ID)
	}
	for _, l := range []domain.Letter{draft, waiting} {
		if err := env.Engine.DeleteLetter(env.Ctx, l.ID, "tester"); err != nil {
			t.Fatalf("delete %s letter: %v", l.Status, err)
		}
		if _, err := env.Engine.GetLetter(env.Ctx, l.ID); !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("expected %s letter gone, got %v", l.Status, err)
		}
	}
}

func TestDeleteDraftRefillsDollFromPool(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	var first domain.Letter
	for i := 0; i < 5; i++ {
		l := env.letter(t, c.ID)
		if i == 0 {
			first = l
		}
	}
	next := env.letter(t, c.ID)
	if !next.Waiting() {
		t.Fatalf("expected overflow letter to wait")
	}
	if err := env.Engine.DeleteLetter(env.Ctx, first.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := env.get(t, next.ID)
	if got.DollID == nil || *got.DollID != d.ID || got.Status != domain.LetterDraft {
		t.Fatalf("expected waiting letter pulled into doll, got %s %v", got.Status, got.DollID)
	}
	checkInvariants(t, env)
}

func TestDeleteDollReleasesLetters(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	a := env.letter(t, c.ID)
	b := env.letter(t, c.ID)
	if _, err := env.Engine.ChangeLetterStatus(env.Ctx, b.ID, domain.LetterReviewed, "tester"); err != nil {
		t.Fatalf("review: %v", err)
	}
	released, err := env.Engine.DeleteDoll(env.Ctx, d.ID, "tester")
	if err != nil || released != 2 {
		t.Fatalf("delete doll: released %d, %v", released, err)
	}
	if _, err := env.Engine.GetDoll(env.Ctx, d.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected doll gone, got %v", err)
	}
	for _, id := range []int64{a.ID, b.ID} {
		if l := env.get(t, id); l.DollID != nil || l.Status != domain.LetterWaiting {
			t.Fatalf("letter %d still references deleted doll: %s %v", id, l.Status, l.DollID)
		}
	}
	if _, err := env.Engine.DeleteDoll(env.Ctx, d.ID, "tester"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestConcurrentCreateClaimsSingleSlot(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	for i := 0; i < 4; i++ {
		env.letter(t, c.ID)
	}
	const writers = 8
	results := make([]domain.Letter, writers)
	g, ctx := errgroup.WithContext(env.Ctx)
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			l, err := env.Engine.CreateLetter(ctx, engine.LetterCreateOptions{ClientID: c.ID, ActorID: fmt.Sprintf("writer-%d", i)})
			results[i] = l
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent create: %v", err)
	}
	claimed := 0
	for _, l := range results {
		if l.DollID != nil {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one writer to claim the slot, got %d", claimed)
	}
	if n := env.assigned(t, d.ID); n != 5 {
		t.Fatalf("expected doll at cap, got %d", n)
	}
	checkInvariants(t, env)
}

func TestConcurrentActivationsNeverShareALetter(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	for i := 0; i < 12; i++ {
		env.letter(t, c.ID)
	}
	var dolls []domain.Doll
	for i := 0; i < 3; i++ {
		dolls = append(dolls, env.doll(t, fmt.Sprintf("doll-%d", i), domain.DollInactive))
	}
	var mu sync.Mutex
	total := 0
	g, ctx := errgroup.WithContext(env.Ctx)
	for _, d := range dolls {
		d := d
		g.Go(func() error {
			n, err := env.Engine.ActivateDoll(ctx, d.ID, "tester")
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent activate: %v", err)
	}
	if total != 12 {
		t.Fatalf("expected all 12 letters drained once, got %d", total)
	}
	sum := 0
	for _, d := range dolls {
		sum += env.assigned(t, d.ID)
	}
	if sum != 12 {
		t.Fatalf("expected 12 assigned letters, got %d", sum)
	}
	checkInvariants(t, env)
}

func TestConfiguredCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Capacity.MaxLettersPerDoll = 2
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	for i := 0; i < 3; i++ {
		env.letter(t, c.ID)
	}
	if n := env.assigned(t, d.ID); n != 2 {
		t.Fatalf("expected cap of 2, got %d", n)
	}
	loads, err := env.Engine.DollLoads(env.Ctx, repo.DollFilters{})
	if err != nil || len(loads) != 1 || loads[0].Free != 0 {
		t.Fatalf("unexpected loads %+v %v", loads, err)
	}
}

func TestCreateClientWithLetter(t *testing.T) {
	env := newTestEnv(t)
	d := env.doll(t, "Rosa", domain.DollActive)
	res, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{
		Name: "Luis", City: "Quito", WithLetter: true, LetterContent: "hola", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if res.Letter == nil || res.Letter.ClientID != res.Client.ID {
		t.Fatalf("expected first letter for client, got %+v", res.Letter)
	}
	if res.Letter.DollID == nil || *res.Letter.DollID != d.ID || res.Letter.Status != domain.LetterDraft {
		t.Fatalf("expected letter assigned to doll, got %+v", res.Letter)
	}
	if _, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Name: "  "}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteClientWithLettersRefused(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	l := env.letter(t, c.ID)
	if err := env.Engine.DeleteClient(env.Ctx, c.ID, "tester"); !errors.Is(err, engine.ErrInvalidOperation) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if err := env.Engine.DeleteLetter(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatalf("delete letter: %v", err)
	}
	if err := env.Engine.DeleteClient(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("delete client: %v", err)
	}
	if _, err := env.Engine.GetClient(env.Ctx, c.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected client gone, got %v", err)
	}
}

func TestUpdatesArePartial(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	l := env.letter(t, c.ID)

	body := "querida Ana"
	got, err := env.Engine.UpdateLetter(env.Ctx, l.ID, engine.LetterPatch{Content: &body}, "tester")
	if err != nil || got.Content != body || got.Status != domain.LetterDraft || got.DollID == nil {
		t.Fatalf("update letter: %+v %v", got, err)
	}
	city := "Lima"
	dd, err := env.Engine.UpdateDoll(env.Ctx, d.ID, repo.DollPatch{City: &city}, "tester")
	if err != nil || dd.City != city || dd.Name != "Rosa" || !dd.Active() {
		t.Fatalf("update doll: %+v %v", dd, err)
	}
	name := "Ana María"
	cc, err := env.Engine.UpdateClient(env.Ctx, c.ID, repo.ClientPatch{Name: &name}, "tester")
	if err != nil || cc.Name != name {
		t.Fatalf("update client: %+v %v", cc, err)
	}
	if _, err := env.Engine.UpdateDoll(env.Ctx, d.ID, repo.DollPatch{}, "tester"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected empty patch refused, got %v", err)
	}
	if _, err := env.Engine.SetDollStatus(env.Ctx, d.ID, "sleeping", "tester"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected unknown doll status refused, got %v", err)
	}
}

func TestEventsShareOperationID(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	for i := 0; i < 3; i++ {
		env.letter(t, c.ID)
	}
	d := env.doll(t, "Rosa", domain.DollInactive)
	if _, err := env.Engine.ActivateDoll(env.Ctx, d.ID, "ops"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, 1, repo.EventFilters{Type: "doll.activated"})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected activation event, got %d %v", len(evts), err)
	}
	opID := evts[0].OpID
	if evts[0].ActorID != "ops" {
		t.Fatalf("expected actor ops, got %s", evts[0].ActorID)
	}
	assigned, err := env.Engine.LatestEvents(env.Ctx, 10, repo.EventFilters{OpID: opID, Type: "letter.assigned"})
	if err != nil || len(assigned) != 3 {
		t.Fatalf("expected 3 assignment events in the unit, got %d %v", len(assigned), err)
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestNotificationsFollowCommit(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}
	env.Engine.Notify = pub
	c := env.client(t, "Ana")
	env.letter(t, c.ID)
	if len(pub.notes) != 2 || pub.notes[1].Type != "letter.created" {
		t.Fatalf("expected client and letter notifications, got %+v", pub.notes)
	}
	if pub.notes[0].OpID == pub.notes[1].OpID {
		t.Fatalf("separate operations must not share an op id")
	}
	// A refused operation publishes nothing.
	_, _ = env.Engine.CreateLetter(env.Ctx, engine.LetterCreateOptions{ClientID: 404})
	if len(pub.notes) != 2 {
		t.Fatalf("rolled back operation published %d notifications", len(pub.notes)-2)
	}
}

func TestMetricsCountCommittedWork(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	for i := 0; i < 2; i++ {
		env.letter(t, c.ID)
	}
	d := env.doll(t, "Rosa", domain.DollInactive)
	if _, err := env.Engine.ActivateDoll(env.Ctx, d.ID, "tester"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := env.Engine.DeactivateDoll(env.Ctx, d.ID, "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	m := env.Engine.Metrics
	if got := testutil.ToFloat64(m.LettersCreated.WithLabelValues("waiting")); got != 2 {
		t.Fatalf("expected 2 waiting creations, got %v", got)
	}
	if got := testutil.ToFloat64(m.LettersDrained); got != 2 {
		t.Fatalf("expected 2 drained, got %v", got)
	}
	if got := testutil.ToFloat64(m.LettersReleased); got != 2 {
		t.Fatalf("expected 2 released, got %v", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("doll.activate", "ok")); got != 1 {
		t.Fatalf("expected one activation, got %v", got)
	}
}

func TestDoRetriesConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.RetryBackoff = 0
	attempts := 0
	err := env.Engine.Do(env.Ctx, "test.retry", "tester", func(ctx context.Context, u *engine.Unit) error {
		attempts++
		if attempts < 3 {
			return repo.ErrConflict
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("expected success on third attempt, got %d %v", attempts, err)
	}
	if got := testutil.ToFloat64(env.Engine.Metrics.Retries.WithLabelValues("test.retry")); got != 2 {
		t.Fatalf("expected 2 retries, got %v", got)
	}

	attempts = 0
	err = env.Engine.Do(env.Ctx, "test.race", "tester", func(ctx context.Context, u *engine.Unit) error {
		attempts++
		return repo.ErrConflict
	})
	if !errors.Is(err, engine.ErrCapacityRace) {
		t.Fatalf("expected capacity race, got %v", err)
	}
	if attempts != env.Engine.Config.Engine.RetryBudget {
		t.Fatalf("expected %d attempts, got %d", env.Engine.Config.Engine.RetryBudget, attempts)
	}

	attempts = 0
	err = env.Engine.Do(env.Ctx, "test.fail", "tester", func(ctx context.Context, u *engine.Unit) error {
		attempts++
		return engine.ErrInvalidOperation
	})
	if !errors.Is(err, engine.ErrInvalidOperation) || attempts != 1 {
		t.Fatalf("expected a single attempt for a non-retryable error, got %d %v", attempts, err)
	}
}

func TestDollLetterCountsByStatus(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	d := env.doll(t, "Rosa", domain.DollActive)
	first := env.letter(t, c.ID)
	env.letter(t, c.ID)
	second := env.letter(t, c.ID)
	if _, err := env.Engine.ChangeLetterStatus(env.Ctx, first.ID, domain.LetterReviewed, "tester"); err != nil {
		t.Fatalf("review: %v", err)
	}
	for _, to := range []string{domain.LetterReviewed, domain.LetterSent} {
		if _, err := env.Engine.ChangeLetterStatus(env.Ctx, second.ID, to, "tester"); err != nil {
			t.Fatalf("move to %s: %v", to, err)
		}
	}

	counts, err := env.Engine.DollLetterCounts(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := map[string]int{domain.LetterDraft: 1, domain.LetterReviewed: 1, domain.LetterSent: 1}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("%s: got %d, want %d (all %v)", status, counts[status], n, counts)
		}
	}
	if _, ok := counts[domain.LetterWaiting]; ok {
		t.Fatalf("a doll never holds waiting letters: %v", counts)
	}

	if _, err := env.Engine.DollLetterCounts(env.Ctx, 999); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
