package dynamodb

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// mockDDB is a minimal mock of the DDBAPI interface for unit testing.
type mockDDB struct {
	putItemFn           func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFn           func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFn             func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	updateItemFn        func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFn        func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactWriteItemFn func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	describeTableFn     func(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	createTableFn       func(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	updateTTLFn         func(ctx context.Context, input *dynamodb.UpdateTimeToLiveInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
	deleteTableFn       func(ctx context.Context, input *dynamodb.DeleteTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFn != nil {
		return m.getItemFn(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDB) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDDB) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFn != nil {
		return m.updateItemFn(ctx, input, opts...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFn != nil {
		return m.deleteItemFn(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDDB) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactWriteItemFn != nil {
		return m.transactWriteItemFn(ctx, input, opts...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *mockDDB) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, input, opts...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDDB) CreateTable(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if m.createTableFn != nil {
		return m.createTableFn(ctx, input, opts...)
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDDB) UpdateTimeToLive(ctx context.Context, input *dynamodb.UpdateTimeToLiveInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	if m.updateTTLFn != nil {
		return m.updateTTLFn(ctx, input, opts...)
	}
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (m *mockDDB) DeleteTable(ctx context.Context, input *dynamodb.DeleteTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	if m.deleteTableFn != nil {
		return m.deleteTableFn(ctx, input, opts...)
	}
	return &dynamodb.DeleteTableOutput{}, nil
}

func newTestProvider(mock *mockDDB) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:      mock,
		tableName:   "test-table",
		logger:      slog.Default(),
		jobEventTTL: defaultJobEventRetention,
	}
}

// itemStore answers GetItem from a fixed set of items keyed by PK and SK.
type itemStore map[string]map[string]ddbtypes.AttributeValue

func (s itemStore) add(t *testing.T, pk, sk string, v interface{}) map[string]ddbtypes.AttributeValue {
	t.Helper()
	item, err := encodeItem(pk, sk, v)
	require.NoError(t, err)
	s[pk+"|"+sk] = item
	return item
}

func (s itemStore) addRaw(pk, sk string, attrs map[string]ddbtypes.AttributeValue) {
	item := itemKey(pk, sk)
	for k, v := range attrs {
		item[k] = v
	}
	s[pk+"|"+sk] = item
}

func (s itemStore) getItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	pk := input.Key["PK"].(*ddbtypes.AttributeValueMemberS).Value
	sk := input.Key["SK"].(*ddbtypes.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: s[pk+"|"+sk]}, nil
}

func cancelled(codes ...string) error {
	reasons := make([]ddbtypes.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = ddbtypes.CancellationReason{Code: aws.String(c)}
	}
	return &ddbtypes.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: reasons,
	}
}

func keyOf(item map[string]ddbtypes.AttributeValue) (string, string) {
	return item["PK"].(*ddbtypes.AttributeValueMemberS).Value, item["SK"].(*ddbtypes.AttributeValueMemberS).Value
}

func runningRun(id, projectID string) types.AuditRun {
	started := time.Now().UTC()
	return types.AuditRun{
		ID:         id,
		ProjectID:  projectID,
		RevisionID: "rev-1",
		Status:     types.RunRunning,
		Version:    2,
		StartedAt:  &started,
	}
}

// ---------------------------------------------------------------------------
// Projects and blobs
// ---------------------------------------------------------------------------

func TestCreateProject_KeysAndConflict(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	err := p.CreateProject(context.Background(), types.Project{ID: "p1", Name: "vault"})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "test-table", *captured.TableName)
	pk, sk := keyOf(captured.Item)
	assert.Equal(t, "PROJECT#p1", pk)
	assert.Equal(t, "PROJECT", sk)
	assert.Equal(t, "attribute_not_exists(PK)", *captured.ConditionExpression)

	mock.putItemFn = func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
		return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	err = p.CreateProject(context.Background(), types.Project{ID: "p1"})
	var ce *types.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, types.ResourceProject, ce.Resource)
}

func TestGetProject_NotFound(t *testing.T) {
	p := newTestProvider(&mockDDB{})
	_, err := p.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestInsertBlobIfAbsent_ReturnsExisting(t *testing.T) {
	store := itemStore{}
	existing := types.FileBlob{ID: "blob-1", SHA256: "abc", Size: 3, StorageKey: "blobs/ab/abc"}
	store.add(t, blobPK("abc"), skBlob, existing)

	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{}
		},
		getItemFn: store.getItem,
	}
	p := newTestProvider(mock)

	got, created, err := p.InsertBlobIfAbsent(context.Background(), types.FileBlob{ID: "blob-2", SHA256: "abc"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "blob-1", got.ID)
}

// ---------------------------------------------------------------------------
// Audit runs
// ---------------------------------------------------------------------------

func TestCreateAuditRun_ClaimsActiveSlot(t *testing.T) {
	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	run := types.AuditRun{ID: "r1", ProjectID: "p1", Status: types.RunQueued, Version: 1}
	require.NoError(t, p.CreateAuditRun(context.Background(), run))
	require.Len(t, captured.TransactItems, 2)

	guard := captured.TransactItems[0].Put
	pk, sk := keyOf(guard.Item)
	assert.Equal(t, "PROJECT#p1", pk)
	assert.Equal(t, "ACTIVERUN", sk)
	assert.Equal(t, "r1", guard.Item[attrRunOwner].(*ddbtypes.AttributeValueMemberS).Value)

	runPut := captured.TransactItems[1].Put
	pk, _ = keyOf(runPut.Item)
	assert.Equal(t, "RUN#r1", pk)
	assert.Equal(t, "RUN#r1", runPut.Item["GSI1SK"].(*ddbtypes.AttributeValueMemberS).Value)

	// Terminal runs never claim the slot.
	done := run
	done.ID = "r0"
	done.Status = types.RunCompleted
	require.NoError(t, p.CreateAuditRun(context.Background(), done))
	assert.Len(t, captured.TransactItems, 1)
}

func TestCreateAuditRun_Conflict(t *testing.T) {
	store := itemStore{}
	store.addRaw(projectPK("p1"), skActiveRun, map[string]ddbtypes.AttributeValue{attrRunOwner: str("r-existing")})
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, cancelled(reasonConditionalCheckFailed, "None")
		},
		getItemFn: store.getItem,
	}
	p := newTestProvider(mock)

	err := p.CreateAuditRun(context.Background(), types.AuditRun{ID: "r2", ProjectID: "p1", Status: types.RunQueued, Version: 1})
	require.ErrorIs(t, err, types.ErrConflictingActiveRun)
	var ce *types.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "r-existing", ce.ExistingID)
}

func TestTransact_RetriesTransactionConflict(t *testing.T) {
	var calls atomic.Int32
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			if calls.Add(1) == 1 {
				return nil, cancelled(reasonTransactionConflict, "None")
			}
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	err := p.CreateAuditRun(context.Background(), types.AuditRun{ID: "r1", ProjectID: "p1", Status: types.RunQueued, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompareAndSwapAuditRun_ReleasesSlot(t *testing.T) {
	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	failed := runningRun("r1", "p1")
	failed.Status = types.RunFailed
	failed.Version = 3
	ok, err := p.CompareAndSwapAuditRun(context.Background(), "r1", 2, failed)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, captured.TransactItems, 2)
	assert.Equal(t, "#version = :expectedVersion", *captured.TransactItems[0].Put.ConditionExpression)
	del := captured.TransactItems[1].Delete
	require.NotNil(t, del)
	pk, sk := keyOf(del.Key)
	assert.Equal(t, "PROJECT#p1", pk)
	assert.Equal(t, "ACTIVERUN", sk)

	mock.transactWriteItemFn = func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
		return nil, cancelled(reasonConditionalCheckFailed, "None")
	}
	ok, err = p.CompareAndSwapAuditRun(context.Background(), "r1", 2, failed)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

func TestCompleteAuditRun_StalePointer(t *testing.T) {
	store := itemStore{}
	store.addRaw(projectPK("p1"), skLastCompleted, map[string]ddbtypes.AttributeValue{attrRunOwner: str("r-other")})
	var txCalls atomic.Int32
	mock := &mockDDB{
		getItemFn: store.getItem,
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			txCalls.Add(1)
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	ok, err := p.CompleteAuditRun(context.Background(), provider.Completion{
		Run:             runningRun("r2", "p1"),
		ExpectedVersion: 2,
	})
	assert.ErrorIs(t, err, provider.ErrStalePredecessor)
	assert.False(t, ok)
	assert.Equal(t, int32(0), txCalls.Load(), "nothing written")
}

func TestCompleteAuditRun_PointerRace(t *testing.T) {
	store := itemStore{}
	run := runningRun("r2", "p1")
	store.add(t, runPK("r2"), skRun, run)
	mock := &mockDDB{
		getItemFn: store.getItem,
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, cancelled("None", "None", reasonConditionalCheckFailed)
		},
	}
	p := newTestProvider(mock)

	done := run
	done.Status = types.RunCompleted
	done.Version = 3
	ok, err := p.CompleteAuditRun(context.Background(), provider.Completion{Run: done, ExpectedVersion: 2})
	assert.ErrorIs(t, err, provider.ErrStalePredecessor)
	assert.False(t, ok)
}

func TestCompleteAuditRun_VersionMismatch(t *testing.T) {
	store := itemStore{}
	run := runningRun("r2", "p1")
	store.add(t, runPK("r2"), skRun, run)
	p := newTestProvider(&mockDDB{getItemFn: store.getItem})

	ok, err := p.CompleteAuditRun(context.Background(), provider.Completion{Run: run, ExpectedVersion: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteAuditRun_LargeDiffChunks(t *testing.T) {
	store := itemStore{}
	run := runningRun("r2", "p1")
	store.add(t, runPK("r2"), skRun, run)
	store.addRaw(projectPK("p1"), skLastCompleted, map[string]ddbtypes.AttributeValue{attrRunOwner: str("r1")})

	var batches [][]ddbtypes.TransactWriteItem
	mock := &mockDDB{
		getItemFn: store.getItem,
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			batches = append(batches, input.TransactItems)
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	c := provider.Completion{Run: run, ExpectedVersion: 2, PreviousRunID: "r1"}
	c.Run.Status = types.RunCompleted
	c.Run.Version = 3
	for i := 0; i < 150; i++ {
		id := "f" + strconv.Itoa(i)
		c.Findings = append(c.Findings, types.Finding{ID: id, ProjectID: "p1", StableFingerprint: "fp-" + id})
		c.Instances = append(c.Instances, types.FindingInstance{FindingID: id, AuditRunID: "r2"})
	}

	ok, err := p.CompleteAuditRun(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, batches, 4)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), maxTransactItems)
	}
	final := batches[len(batches)-1]
	require.Len(t, final, 3)
	pk, _ := keyOf(final[completeRunIndex].Put.Item)
	assert.Equal(t, "RUN#r2", pk)
	assert.Equal(t, "#owner = :previous", *final[completePointerIndex].Put.ConditionExpression)
}

func TestCompleteAuditRun_FailedHeadDiscardsStagedDiff(t *testing.T) {
	store := itemStore{}
	run := runningRun("r2", "p1")
	store.add(t, runPK("r2"), skRun, run)
	store.addRaw(projectPK("p1"), skLastCompleted, map[string]ddbtypes.AttributeValue{attrRunOwner: str("r1")})

	var (
		staged  []ddbtypes.TransactWriteItem
		deletes int
		updates []*dynamodb.UpdateItemInput
	)
	mock := &mockDDB{
		getItemFn: store.getItem,
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			first := input.TransactItems[0]
			if first.Put != nil {
				if _, sk := keyOf(first.Put.Item); sk == skRun {
					// A concurrent cancel moved the run's version.
					return nil, cancelled(reasonConditionalCheckFailed, "None", "None")
				}
			}
			if first.Delete != nil {
				deletes += len(input.TransactItems)
				return &dynamodb.TransactWriteItemsOutput{}, nil
			}
			staged = append(staged, input.TransactItems...)
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
		updateItemFn: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			updates = append(updates, input)
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	c := provider.Completion{Run: run, ExpectedVersion: 2, PreviousRunID: "r1"}
	c.Run.Status = types.RunCompleted
	c.Run.Version = 3
	for i := 0; i < 60; i++ {
		id := "f" + strconv.Itoa(i)
		c.Findings = append(c.Findings, types.Finding{ID: id, ProjectID: "p1", StableFingerprint: "fp-" + id, CurrentStatus: types.FindingResolved})
		c.Instances = append(c.Instances, types.FindingInstance{FindingID: id, AuditRunID: "r2"})
	}

	ok, err := p.CompleteAuditRun(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, staged, 120)
	for _, item := range staged {
		if item.Put != nil {
			pk, _ := keyOf(item.Put.Item)
			assert.Equal(t, "RUN#r2", pk, "only run-owned records are written before the head")
			continue
		}
		require.NotNil(t, item.Update)
		assert.Equal(t, "SET #pending = :pending, #pendingRun = :run", *item.Update.UpdateExpression)
	}

	require.Len(t, updates, 60, "every staged finding is discarded")
	for _, u := range updates {
		assert.Equal(t, "REMOVE #pending, #pendingRun", *u.UpdateExpression)
		assert.Equal(t, "r2", u.ExpressionAttributeValues[":run"].(*ddbtypes.AttributeValueMemberS).Value)
	}
	assert.Equal(t, 60, deletes, "staged instances are deleted")
}

func TestCompleteAuditRun_StagedDiffPromotedAfterHead(t *testing.T) {
	store := itemStore{}
	run := runningRun("r2", "p1")
	store.add(t, runPK("r2"), skRun, run)
	store.addRaw(projectPK("p1"), skLastCompleted, map[string]ddbtypes.AttributeValue{attrRunOwner: str("r1")})

	var updates []*dynamodb.UpdateItemInput
	mock := &mockDDB{
		getItemFn: store.getItem,
		updateItemFn: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			updates = append(updates, input)
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	c := provider.Completion{Run: run, ExpectedVersion: 2, PreviousRunID: "r1"}
	c.Run.Status = types.RunCompleted
	c.Run.Version = 3
	for i := 0; i < 60; i++ {
		id := "f" + strconv.Itoa(i)
		c.Findings = append(c.Findings, types.Finding{ID: id, ProjectID: "p1", StableFingerprint: "fp-" + id})
		c.Instances = append(c.Instances, types.FindingInstance{FindingID: id, AuditRunID: "r2"})
	}

	ok, err := p.CompleteAuditRun(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, updates, 60)
	assert.Equal(t, "SET #data = :data REMOVE #pending, #pendingRun", *updates[0].UpdateExpression)
	assert.Equal(t, "#pendingRun = :run", *updates[0].ConditionExpression)
}

func TestListFindings_ResolvesStagedState(t *testing.T) {
	store := itemStore{}
	store.add(t, runPK("r-done"), skRun, types.AuditRun{ID: "r-done", Status: types.RunCompleted})
	store.add(t, runPK("r-cancelled"), skRun, types.AuditRun{ID: "r-cancelled", Status: types.RunCancelled})

	encode := func(f types.Finding) ddbtypes.AttributeValue {
		item, err := encodeItem("", "", f)
		require.NoError(t, err)
		return item["data"]
	}
	opened := func(fp string) types.Finding {
		return types.Finding{ID: "id-" + fp, ProjectID: "p1", StableFingerprint: fp, CurrentStatus: types.FindingOpened}
	}
	resolved := func(fp string) types.Finding {
		f := opened(fp)
		f.CurrentStatus = types.FindingResolved
		return f
	}
	items := []map[string]ddbtypes.AttributeValue{
		{"PK": str("PROJECT#p1"), "SK": str(findingSK("fp-a")), "data": encode(opened("fp-a")),
			attrPendingRun: str("r-done"), attrPendingData: encode(resolved("fp-a"))},
		{"PK": str("PROJECT#p1"), "SK": str(findingSK("fp-b")), "data": encode(opened("fp-b")),
			attrPendingRun: str("r-cancelled"), attrPendingData: encode(resolved("fp-b"))},
		{"PK": str("PROJECT#p1"), "SK": str(findingSK("fp-c")),
			attrPendingRun: str("r-cancelled"), attrPendingData: encode(opened("fp-c"))},
	}
	p := newTestProvider(&mockDDB{
		getItemFn: store.getItem,
		queryFn: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: items}, nil
		},
	})

	list, err := p.ListFindings(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, types.FindingResolved, list[0].CurrentStatus, "completed run's staged state applies")
	assert.Equal(t, types.FindingOpened, list[1].CurrentStatus, "cancelled run's staged state is ignored")
}

// ---------------------------------------------------------------------------
// Revisions and working copies
// ---------------------------------------------------------------------------

func TestCommitRevision_Guards(t *testing.T) {
	mock := &mockDDB{}
	p := newTestProvider(mock)
	wc := types.WorkingCopy{ID: "wc1", ProjectID: "p1", OwnerUserID: "u1", Status: types.WorkingCopyActive, Version: 2}
	commit := provider.RevisionCommit{
		Revision:                   types.Revision{ID: "rev-2", ProjectID: "p1"},
		Files:                      []types.RevisionFile{{Path: "a.tolk"}},
		WorkingCopy:                &wc,
		ExpectedWorkingCopyVersion: 1,
	}

	mock.transactWriteItemFn = func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
		return nil, cancelled("None", reasonConditionalCheckFailed, "None")
	}
	ok, err := p.CommitRevision(context.Background(), commit)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.transactWriteItemFn = func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
		return nil, cancelled(reasonConditionalCheckFailed, "None", "None")
	}
	_, err = p.CommitRevision(context.Background(), commit)
	var ce *types.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, types.ResourceRevision, ce.Resource)
}

func TestOpenWorkingCopy_ReturnsLiveCopy(t *testing.T) {
	store := itemStore{}
	existing := types.WorkingCopy{ID: "wc-existing", ProjectID: "p1", BaseRevisionID: "rev-1", OwnerUserID: "u1", Status: types.WorkingCopyLocked, Version: 3}
	store.addRaw(liveWCPK(existing.LiveKey()), skLiveWC, map[string]ddbtypes.AttributeValue{attrWCOwner: str(existing.ID)})
	store.add(t, wcPK(existing.ID), skWC, existing)

	mock := &mockDDB{
		getItemFn: store.getItem,
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, cancelled(reasonConditionalCheckFailed, "None")
		},
	}
	p := newTestProvider(mock)

	wc := existing
	wc.ID = "wc-new"
	wc.Status = types.WorkingCopyActive
	got, created, err := p.OpenWorkingCopy(context.Background(), wc, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "wc-existing", got.ID)
	assert.Equal(t, types.WorkingCopyLocked, got.Status)
}

func TestOpenWorkingCopy_RetriesWhenSlotReleased(t *testing.T) {
	var calls atomic.Int32
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			if calls.Add(1) == 1 {
				return nil, cancelled(reasonConditionalCheckFailed, "None")
			}
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	wc := types.WorkingCopy{ID: "wc1", ProjectID: "p1", BaseRevisionID: "rev-1", OwnerUserID: "u1", Status: types.WorkingCopyActive, Version: 1}
	got, created, err := p.OpenWorkingCopy(context.Background(), wc, []types.WorkingCopyFile{{WorkingCopyID: "wc1", Path: "a.tolk"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "wc1", got.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPutWorkingCopyFile_NotActive(t *testing.T) {
	store := itemStore{}
	store.add(t, wcPK("wc1"), skWC, types.WorkingCopy{ID: "wc1", Status: types.WorkingCopyLocked})
	mock := &mockDDB{
		getItemFn: store.getItem,
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, cancelled(reasonConditionalCheckFailed, "None")
		},
	}
	p := newTestProvider(mock)

	err := p.PutWorkingCopyFile(context.Background(), types.WorkingCopyFile{WorkingCopyID: "wc1", Path: "a.tolk"})
	assert.ErrorIs(t, err, types.ErrWorkingCopyNotActive)

	err = p.DeleteWorkingCopyFile(context.Background(), "wc-missing", "a.tolk")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestListAuditRuns_PaginatesUpToLimit(t *testing.T) {
	page := func(ids ...string) []map[string]ddbtypes.AttributeValue {
		var items []map[string]ddbtypes.AttributeValue
		for _, id := range ids {
			item, _ := encodeItem(runPK(id), skRun, types.AuditRun{ID: id, ProjectID: "p1"})
			items = append(items, item)
		}
		return items
	}
	var calls int
	mock := &mockDDB{
		queryFn: func(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			calls++
			assert.Equal(t, gsi1, *input.IndexName)
			assert.False(t, *input.ScanIndexForward)
			if input.ExclusiveStartKey == nil {
				return &dynamodb.QueryOutput{Items: page("r5", "r4"), LastEvaluatedKey: itemKey("RUN#r4", "RUN")}, nil
			}
			return &dynamodb.QueryOutput{Items: page("r3", "r2")}, nil
		},
	}
	p := newTestProvider(mock)

	runs, err := p.ListAuditRuns(context.Background(), "p1", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[2].ID)
	assert.Equal(t, 2, calls)
}

func TestListJobEvents_SkipsExpired(t *testing.T) {
	expired, _ := encodeItem(projectPK("p1"), jobEventSK("e1"), types.JobEvent{ID: "e1"})
	expired["ttl"] = num(time.Now().Add(-time.Hour).Unix())
	live, _ := encodeItem(projectPK("p1"), jobEventSK("e2"), types.JobEvent{ID: "e2"})
	live["ttl"] = num(time.Now().Add(time.Hour).Unix())

	mock := &mockDDB{
		queryFn: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{live, expired}}, nil
		},
	}
	p := newTestProvider(mock)

	events, err := p.ListJobEvents(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStart_TableAlreadyExists(t *testing.T) {
	mock := &mockDDB{
		createTableFn: func(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
			return nil, &ddbtypes.ResourceInUseException{Message: aws.String("exists")}
		},
	}
	p := newTestProvider(mock)
	p.createTable = true
	assert.NoError(t, p.Start(context.Background()))
}

func TestPing_Error(t *testing.T) {
	mock := &mockDDB{
		describeTableFn: func(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
			return nil, errors.New("connection refused")
		},
	}
	p := newTestProvider(mock)
	err := p.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamodb ping failed")
}

func TestNew_JobEventRetention(t *testing.T) {
	p, err := New(&Config{TableName: "t", Region: "us-east-1", Endpoint: "http://localhost:8000", JobEventRetention: "48h"})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, p.jobEventTTL)

	p, err = New(&Config{TableName: "t", Region: "us-east-1", Endpoint: "http://localhost:8000", JobEventRetention: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, defaultJobEventRetention, p.jobEventTTL)
}
