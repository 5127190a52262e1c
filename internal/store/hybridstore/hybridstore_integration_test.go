package hybridstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/store/mongostore"
	"github.com/taskmesh/orchestrator/internal/store/pgstore"
	"github.com/taskmesh/orchestrator/internal/task"
)

var (
	testPgDSN       string
	testPgSchemaVer uint
	testMongoURI    string

	testPgContainer    testcontainers.Container
	testMongoContainer testcontainers.Container

	skipHybridTests bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	if err := startPostgres(ctx); err != nil {
		fmt.Printf("Docker not available, hybridstore integration tests will be skipped: %v\n", err)
		skipHybridTests = true
	} else if err := startMongo(ctx); err != nil {
		fmt.Printf("Docker not available, hybridstore integration tests will be skipped: %v\n", err)
		skipHybridTests = true
	}

	code := m.Run()

	if testPgContainer != nil {
		_ = testPgContainer.Terminate(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "orchestrator",
			"POSTGRES_PASSWORD": "orchestrator",
			"POSTGRES_DB":       "orchestrator_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	testPgContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return err
	}
	host, err := testPgContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testPgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return err
	}
	testPgDSN = fmt.Sprintf("postgres://orchestrator:orchestrator@%s:%s/orchestrator_test?sslmode=disable", host, port.Port())
	testPgSchemaVer, err = pgstore.Migrate(testPgDSN)
	return err
}

func startMongo(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}
	testMongoContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return err
	}
	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		return err
	}
	testMongoURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	return nil
}

func getHybridStore(t *testing.T) *Store {
	t.Helper()
	if skipHybridTests {
		t.Skip("Docker not available, skipping hybridstore integration test")
	}
	pg, err := pgstore.Open(context.Background(), testPgDSN, testPgSchemaVer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })

	mg, err := mongostore.Open(context.Background(), testMongoURI, "orchestrator_test_"+t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mg.Close(context.Background()) })

	s := New(pg, mg)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.PutRepo(context.Background(), &repository.Repository{ID: "repo-1", Path: "/srv/repo-1", DisplayName: "Repo 1", CreatedAt: now, UpdatedAt: now}))
	return s
}

// TestStore_DeleteCascadeSpansBothDatabases verifies §3 "Lifecycle":
// deleting a task removes its relational tree (pgstore) and its verified
// file events (mongostore) together, across every descendant, even though
// mongostore has no notion of ParentID and must have its targets supplied
// by walking pgstore's tree first.
func TestStore_DeleteCascadeSpansBothDatabases(t *testing.T) {
	s := getHybridStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	root := &task.Task{ID: "root", RepoID: "repo-1", Status: task.StatusExecuting, Heartbeat: now, CreatedAt: now, UpdatedAt: now}
	child := &task.Task{ID: "child", ParentID: "root", RepoID: "repo-1", Status: task.StatusExecuting, Heartbeat: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Create(ctx, root))
	require.NoError(t, s.Create(ctx, child))

	require.NoError(t, s.AppendFileEvent(ctx, &fsevent.Event{
		ID: "evt-root", TaskID: "root", Path: "a.go", Action: fsevent.ActionCreate, Timestamp: now,
	}))
	require.NoError(t, s.AppendFileEvent(ctx, &fsevent.Event{
		ID: "evt-child", TaskID: "child", Path: "b.go", Action: fsevent.ActionCreate, Timestamp: now,
	}))

	require.NoError(t, s.DeleteCascade(ctx, "root"))

	_, err := s.Get(ctx, "root")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, "child")
	require.ErrorIs(t, err, store.ErrNotFound)

	rootEvents, err := s.ListFileEvents(ctx, "root")
	require.NoError(t, err)
	require.Empty(t, rootEvents)

	childEvents, err := s.ListFileEvents(ctx, "child")
	require.NoError(t, err)
	require.Empty(t, childEvents)
}

func TestStore_TaskOperationsDelegateToPostgres(t *testing.T) {
	s := getHybridStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	in := &task.Task{ID: "task-1", RepoID: "repo-1", Status: task.StatusExecuting, Heartbeat: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Create(ctx, in))

	got, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "task-1", got.ID)
}
