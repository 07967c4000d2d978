package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

// setupTestDB creates a migrated sqlite database in a temp dir, driven by a mock clock
func setupTestDB(t *testing.T) (*DB, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testEpoch)

	database, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.RunMigrations(context.Background()))
	return database, clk
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	database, _ := setupTestDB(t)
	require.NoError(t, database.RunMigrations(context.Background()))
}

func TestAccounts(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	acc, err := database.CreateAccount(ctx, "alice", domain.ActorPerson, false)
	require.NoError(t, err)

	read, err := database.ReadAccByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, acc.Id, read.Id)
	assert.Equal(t, domain.ActorPerson, read.ActorType)
	assert.False(t, read.Federated)

	require.NoError(t, database.UpdateAccountFederated(ctx, acc.Id, true))
	read, err = database.ReadAccById(ctx, acc.Id)
	require.NoError(t, err)
	assert.True(t, read.Federated)

	_, err = database.CreateAccount(ctx, "alice", domain.ActorPerson, true)
	assert.Error(t, err, "usernames are unique")

	_, err = database.ReadAccByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureAccount(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	first, err := database.EnsureAccount(ctx, "blog", domain.ActorService)
	require.NoError(t, err)
	second, err := database.EnsureAccount(ctx, "blog", domain.ActorService)
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)

	all, err := database.ReadAllAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInsertKeyPairIfAbsentFirstWriterWins(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	stored, err := database.InsertKeyPairIfAbsent(ctx, &domain.KeyPair{AccountId: id, PublicPem: "pub-1", PrivatePem: "priv-1", CreatedAt: testEpoch})
	require.NoError(t, err)
	assert.Equal(t, "pub-1", stored.PublicPem)

	stored, err = database.InsertKeyPairIfAbsent(ctx, &domain.KeyPair{AccountId: id, PublicPem: "pub-2", PrivatePem: "priv-2", CreatedAt: testEpoch})
	require.NoError(t, err)
	assert.Equal(t, "pub-1", stored.PublicPem)
	assert.Equal(t, "priv-1", stored.PrivatePem)
}

func TestLegacyKeyPair(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := database.ReadLegacyKeyPair(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, database.SetLegacyKeyPair(ctx, id, "legacy-pub", "legacy-priv"))
	kp, err := database.ReadLegacyKeyPair(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "legacy-pub", kp.PublicPem)
	assert.Equal(t, "legacy-priv", kp.PrivatePem)
}

func TestFollowersUniqueAndOrdered(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	local := uuid.New()

	uris := []string{"https://a.example/u/1", "https://b.example/u/2", "https://c.example/u/3"}
	for _, u := range uris {
		_, err := database.UpsertFollower(ctx, &domain.Follower{AccountId: local, RemoteActorURI: u, InboxURI: u + "/inbox"})
		require.NoError(t, err)
	}

	// same pair again only refreshes the inbox
	f, err := database.UpsertFollower(ctx, &domain.Follower{AccountId: local, RemoteActorURI: uris[0], InboxURI: "https://a.example/new-inbox", SharedInboxURI: "https://a.example/inbox"})
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/new-inbox", f.InboxURI)

	n, err := database.CountFollowers(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := database.ReadFollowersPage(ctx, local, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uris[0], page[0].RemoteActorURI)
	assert.Equal(t, uris[1], page[1].RemoteActorURI)

	page, err = database.ReadFollowersPage(ctx, local, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uris[2], page[0].RemoteActorURI)

	deleted, err := database.DeleteFollower(ctx, local, uris[1])
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = database.DeleteFollower(ctx, local, uris[1])
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestFollowerErrorAccountingAndPrune(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	local := uuid.New()

	dead, err := database.UpsertFollower(ctx, &domain.Follower{AccountId: local, RemoteActorURI: "https://dead.example/u", InboxURI: "https://dead.example/inbox"})
	require.NoError(t, err)
	alive, err := database.UpsertFollower(ctx, &domain.Follower{AccountId: local, RemoteActorURI: "https://alive.example/u", InboxURI: "https://alive.example/inbox"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, database.RecordFollowerFailure(ctx, []uuid.UUID{dead.Id, alive.Id}, "connection refused"))
	}
	require.NoError(t, database.RecordFollowerSuccess(ctx, []uuid.UUID{alive.Id}))

	f, err := database.ReadFollower(ctx, local, dead.RemoteActorURI)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Errors)
	assert.Equal(t, "connection refused", f.LastError)

	history, err := database.ReadFollowerErrors(ctx, dead.Id)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	f, err = database.ReadFollower(ctx, local, alive.RemoteActorURI)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Errors)

	pruned, err := database.PruneFollowers(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = database.ReadFollower(ctx, local, dead.RemoteActorURI)
	assert.ErrorIs(t, err, ErrNotFound)
	history, err = database.ReadFollowerErrors(ctx, dead.Id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeleteFollowersByRemote(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	remote := "https://gone.example/u"

	for i := 0; i < 2; i++ {
		_, err := database.UpsertFollower(ctx, &domain.Follower{AccountId: uuid.New(), RemoteActorURI: remote, InboxURI: remote + "/inbox"})
		require.NoError(t, err)
	}
	n, err := database.DeleteFollowersByRemote(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRemoteAccountUpsert(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	acc := &domain.RemoteAccount{
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		InboxURI:      "https://remote.example/users/bob/inbox",
		PublicKeyId:   "https://remote.example/users/bob#main-key",
		PublicKeyPem:  "pem-1",
		LastFetchedAt: testEpoch,
	}
	require.NoError(t, database.UpsertRemoteAccount(ctx, acc))

	acc.PublicKeyPem = "pem-2"
	acc.SharedInboxURI = "https://remote.example/inbox"
	require.NoError(t, database.UpsertRemoteAccount(ctx, acc))

	read, err := database.ReadRemoteAccountByKeyId(ctx, "https://remote.example/users/bob#main-key")
	require.NoError(t, err)
	assert.Equal(t, "pem-2", read.PublicKeyPem)
	assert.Equal(t, "https://remote.example/inbox", read.DeliveryInbox())
	assert.True(t, read.LastFetchedAt.Equal(testEpoch))

	require.NoError(t, database.DeleteRemoteAccount(ctx, acc.ActorURI))
	_, err = database.ReadRemoteAccountByURI(ctx, acc.ActorURI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func newOutboxItem(account uuid.UUID) *domain.OutboxItem {
	return &domain.OutboxItem{
		ActivityId:   "https://local.example/activities/" + uuid.NewString(),
		ActivityType: "Create",
		AccountId:    account,
		ActorKind:    domain.ActorKindUser,
		Visibility:   domain.VisibilityPublic,
		Payload:      `{"type":"Create"}`,
	}
}

func TestOutboxStatusIsForwardOnly(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	item := newOutboxItem(uuid.New())
	require.NoError(t, database.InsertOutboxItem(ctx, item))

	read, err := database.ReadOutboxItem(ctx, item.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, read.Status)
	assert.Equal(t, 0, read.Offset)

	require.NoError(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxProcessing))
	assert.ErrorIs(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxPending), ErrConflict)
	assert.ErrorIs(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxProcessing), ErrConflict)

	require.NoError(t, database.CommitOutboxProgress(ctx, item.Id, 50, false))
	read, err = database.ReadOutboxItem(ctx, item.Id)
	require.NoError(t, err)
	assert.Equal(t, 50, read.Offset)
	assert.Equal(t, domain.OutboxProcessing, read.Status)

	// the offset never moves backwards
	assert.ErrorIs(t, database.CommitOutboxProgress(ctx, item.Id, 10, false), ErrConflict)

	require.NoError(t, database.CommitOutboxProgress(ctx, item.Id, 73, true))
	read, err = database.ReadOutboxItem(ctx, item.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPublished, read.Status)

	assert.ErrorIs(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxFailed), ErrConflict)
	assert.ErrorIs(t, database.CommitOutboxProgress(ctx, item.Id, 80, true), ErrConflict)
}

func TestOutboxClaim(t *testing.T) {
	database, clk := setupTestDB(t)
	ctx := context.Background()

	item := newOutboxItem(uuid.New())
	require.NoError(t, database.InsertOutboxItem(ctx, item))

	ok, err := database.ClaimOutboxItem(ctx, item.Id, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.ClaimOutboxItem(ctx, item.Id, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease still held")

	clk.Add(2 * time.Minute)
	ok, err = database.ClaimOutboxItem(ctx, item.Id, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, database.ReleaseOutboxItem(ctx, item.Id))
	assert.ErrorIs(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxFailed), ErrConflict, "pending items start processing first")
	require.NoError(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxProcessing))
	require.NoError(t, database.TransitionOutboxItem(ctx, item.Id, domain.OutboxFailed))
	ok, err = database.ClaimOutboxItem(ctx, item.Id, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "terminal items cannot be claimed")
}

func TestReadOutboxItemsByStatus(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	account := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		item := newOutboxItem(account)
		require.NoError(t, database.InsertOutboxItem(ctx, item))
		ids = append(ids, item.Id)
	}
	require.NoError(t, database.TransitionOutboxItem(ctx, ids[1], domain.OutboxProcessing))
	require.NoError(t, database.TransitionOutboxItem(ctx, ids[1], domain.OutboxPublished))

	pending, err := database.ReadOutboxItemsByStatus(ctx, domain.OutboxPending, domain.OutboxProcessing)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].Id)
	assert.Equal(t, ids[2], pending[1].Id)

	published, err := database.ReadPublishedOutbox(ctx, account, 10)
	require.NoError(t, err)
	require.Len(t, published, 1)
	n, err := database.CountPublishedOutbox(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobsCollapseDuplicates(t *testing.T) {
	database, clk := setupTestDB(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now.Add(time.Minute)))
	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now.Add(10*time.Second)))
	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now.Add(time.Hour)))

	jobs, err := database.ReadJobs(ctx, "process")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, now.Add(10*time.Second).Unix(), jobs[0].RunAt.Unix())

	due, err := database.ReadDueJobs(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = database.ReadDueJobs(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestJobRescheduledWhileRunningSurvivesCompletion(t *testing.T) {
	database, clk := setupTestDB(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now))
	due, err := database.ReadDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	job, ok, err := database.ClaimJob(ctx, due[0], now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, job.Attempts)

	// a second claim with the stale version loses
	_, ok, err = database.ClaimJob(ctx, due[0], now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// the handler schedules a continuation before finishing
	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now))
	require.NoError(t, database.CompleteJob(ctx, job))

	jobs, err := database.ReadJobs(ctx, "process")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, now.Unix(), jobs[0].RunAt.Unix())

	// without a reschedule, completion removes the row
	job, ok, err = database.ClaimJob(ctx, jobs[0], now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, database.CompleteJob(ctx, job))
	jobs, err = database.ReadJobs(ctx, "process")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduleKeepsBackoff(t *testing.T) {
	database, clk := setupTestDB(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now))
	jobs, err := database.ReadJobs(ctx, "process")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	var job QueuedJob
	for attempt := 1; attempt <= 3; attempt++ {
		var ok bool
		job, ok, err = database.ClaimJob(ctx, jobs[0], now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, database.RetryJob(ctx, job, now.Add(time.Hour)))

		// rescheduling a job in backoff changes neither its run time nor its attempts
		require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now.Add(10*time.Second)))
		jobs, err = database.ReadJobs(ctx, "process")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, attempt, jobs[0].Attempts)
		assert.Equal(t, now.Add(time.Hour).Unix(), jobs[0].RunAt.Unix())
	}

	// once it runs again, a reschedule during the run starts over
	job, ok, err := database.ClaimJob(ctx, jobs[0], now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, database.ScheduleJob(ctx, "process", "item-1", now))
	require.NoError(t, database.CompleteJob(ctx, job))
	jobs, err = database.ReadJobs(ctx, "process")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].Attempts)
	assert.Equal(t, now.Unix(), jobs[0].RunAt.Unix())
}

func TestMaintenanceLock(t *testing.T) {
	database, clk := setupTestDB(t)
	ctx := context.Background()

	acquired, since, err := database.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, testEpoch.Unix(), since.Unix())

	clk.Add(time.Minute)
	acquired, since, err = database.Lock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, testEpoch.Unix(), since.Unix(), "held lock keeps its original timestamp")

	require.NoError(t, database.Unlock(ctx))
	acquired, since, err = database.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, testEpoch.Add(time.Minute).Unix(), since.Unix())
}

func TestInboundActivityLogPaging(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	account := uuid.New()

	for i := 0; i < 5; i++ {
		inserted, err := database.LogInboundActivity(ctx, &domain.InboundActivity{
			AccountId:    account,
			ActivityURI:  "https://remote.example/activities/" + string(rune('a'+i)),
			ActivityType: "Like",
			ActorURI:     "https://remote.example/users/bob",
			RawJSON:      "{}",
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, err := database.LogInboundActivity(ctx, &domain.InboundActivity{
		AccountId: account, ActivityURI: "https://remote.example/activities/a", ActivityType: "Like", ActorURI: "x", RawJSON: "{}",
	})
	require.NoError(t, err)
	assert.False(t, inserted, "same activity for the same account is logged once")

	first, err := database.ReadInboundActivities(ctx, account, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "https://remote.example/activities/e", first[0].ActivityURI)

	second, err := database.ReadInboundActivities(ctx, account, first[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, "https://remote.example/activities/c", second[0].ActivityURI)

	n, err := database.CountInboundActivities(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestObjectsAndReplies(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	obj := &domain.LocalObject{AccountId: uuid.New(), ObjectURI: "https://local.example/notes/1", URL: "https://local.example/@alice/1"}
	require.NoError(t, database.RegisterObject(ctx, obj))
	require.NoError(t, database.RegisterObject(ctx, &domain.LocalObject{AccountId: obj.AccountId, ObjectURI: obj.ObjectURI}))

	byURL, err := database.ReadObject(ctx, "https://local.example/@alice/1")
	require.NoError(t, err)
	assert.Equal(t, obj.Id, byURL.Id)

	reply := &domain.Reply{ObjectId: obj.Id, RemoteId: "https://remote.example/notes/7", Kind: "comment", ActorURI: "https://remote.example/users/bob", Content: "first"}
	require.NoError(t, database.UpsertReply(ctx, reply))
	require.NoError(t, database.UpsertReply(ctx, &domain.Reply{ObjectId: obj.Id, RemoteId: reply.RemoteId, Kind: "comment", ActorURI: reply.ActorURI, Content: "edited"}))

	replies, err := database.ReadReplies(ctx, obj.Id)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "edited", replies[0].Content)

	deleted, err := database.DeleteReply(ctx, reply.RemoteId, "comment")
	require.NoError(t, err)
	assert.True(t, deleted)
}
