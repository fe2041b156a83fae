package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civiclake/internal/dimension"
	"civiclake/internal/notify"
	"civiclake/internal/quality"
	"civiclake/internal/storage"
	"civiclake/internal/watermark"
)

type capturingNotifier struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

func (n *capturingNotifier) Notify(ctx context.Context, payload notify.Payload) error {
	n.mu.Lock()
	n.payloads = append(n.payloads, payload)
	n.mu.Unlock()
	return nil
}

func (n *capturingNotifier) received() []notify.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Payload(nil), n.payloads...)
}

type serviceEnv struct {
	svc      *Service
	store    *storage.LocalStore
	marks    *watermark.MemoryStore
	notifier *capturingNotifier
}

func newServiceEnv(t *testing.T, mutate func(*serviceEnv)) *serviceEnv {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	env := &serviceEnv{
		store:    store,
		marks:    watermark.NewMemoryStore(),
		notifier: &capturingNotifier{},
	}
	cfg := sampleConfig()
	cfg.Aggregates = nil // no analytic engine in these tests
	env.svc = NewService(cfg, store, env.marks, env.notifier, nil, nil, nil)
	if mutate != nil {
		mutate(env)
	}
	return env
}

func seedIncoming(t *testing.T, store storage.ObjectStore, key string, rows []storage.Row) {
	t.Helper()
	require.NoError(t, storage.WriteRows(context.Background(), store, key, rows))
}

func memberRow(id, party, district, filed string) storage.Row {
	return storage.Row{"member_id": id, "party": party, "district": district, "filing_date": filed}
}

func TestRunFirstIngestion(t *testing.T) {
	env := newServiceEnv(t, nil)
	seedIncoming(t, env.store, "incoming/financial/2025-01-15.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
		memberRow("M2", "D", "CA-12", "2025-01-15"),
	})

	report, err := env.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "PipelineSuccess", report.Terminal)
	assert.Equal(t, quality.VerdictPass, report.Verdict)
	assert.True(t, report.Succeeded())

	gold, err := storage.ReadRows(context.Background(), env.store,
		storage.TableKey(storage.LayerGold, "dim_members"))
	require.NoError(t, err)
	assert.Len(t, gold, 2)
	for _, row := range gold {
		assert.Equal(t, true, row["is_current"])
	}

	mark, err := env.marks.Get(context.Background(), "dim_members", "filing_date")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15", mark.Format(dimension.DateFormat))

	require.Len(t, report.Advanced, 1)
	assert.Equal(t, "dim_members", report.Advanced[0].Table)

	facts, err := storage.ReadRows(context.Background(), env.store,
		storage.TableKey(storage.LayerGold, "fact_trades"))
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	assert.Empty(t, env.notifier.received())
}

func TestRunNoUpdatesShortCircuits(t *testing.T) {
	env := newServiceEnv(t, nil)

	report, err := env.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "NoUpdates", report.Terminal)
	assert.True(t, report.Succeeded())
	assert.Empty(t, report.Tables)

	_, err = storage.ReadRows(context.Background(), env.store,
		storage.TableKey(storage.LayerGold, "dim_members"))
	assert.True(t, storage.IsNotFound(err))
}

func TestRunDetectsAttributeChange(t *testing.T) {
	env := newServiceEnv(t, nil)
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
	})
	_, err := env.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)

	seedIncoming(t, env.store, "incoming/financial/batch2.jsonl", []storage.Row{
		memberRow("M1", "D", "TX-02", "2025-03-01"),
	})
	report, err := env.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Tables, 2) // dim_members + fact_trades
	assert.Equal(t, 1, report.Tables[0].Stats.ChangedEntities)

	gold, err := storage.ReadRows(ctx, env.store, storage.TableKey(storage.LayerGold, "dim_members"))
	require.NoError(t, err)
	require.Len(t, gold, 2)

	byParty := map[string]storage.Row{}
	for _, row := range gold {
		byParty[row["party"].(string)] = row
	}
	closed := byParty["R"]
	assert.Equal(t, false, closed["is_current"])
	assert.Equal(t, "2025-02-28", closed["valid_to"])
	opened := byParty["D"]
	assert.Equal(t, true, opened["is_current"])
	assert.Equal(t, "2025-03-01", opened["valid_from"])

	mark, err := env.marks.Get(ctx, "dim_members", "filing_date")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", mark.Format(dimension.DateFormat))
}

// Re-running with nothing new past the watermark must leave the dimension
// snapshot byte-identical and the watermark untouched.
func TestRunIdempotent(t *testing.T) {
	env := newServiceEnv(t, nil)
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
		memberRow("M2", "D", "CA-12", "2025-01-20"),
	})
	_, err := env.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)

	goldKey := storage.TableKey(storage.LayerGold, "dim_members")
	before, err := env.store.Get(ctx, goldKey)
	require.NoError(t, err)
	markBefore, err := env.marks.Get(ctx, "dim_members", "filing_date")
	require.NoError(t, err)

	report, err := env.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "PipelineSuccess", report.Terminal)

	after, err := env.store.Get(ctx, goldKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	markAfter, err := env.marks.Get(ctx, "dim_members", "filing_date")
	require.NoError(t, err)
	assert.Equal(t, markBefore, markAfter)
	assert.Empty(t, report.Advanced)
}

// A failed quality gate ends the run in the failure terminal, notifies, and
// leaves every watermark where it was.
func TestRunQualityFailureBlocksWatermark(t *testing.T) {
	env := newServiceEnv(t, func(env *serviceEnv) {
		cfg := sampleConfig()
		cfg.Aggregates = nil
		cfg.Dimensions[0].Quality.MinRows = 500
		env.svc = NewService(cfg, env.store, env.marks, env.notifier, nil, nil, nil)
	})
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
	})

	report, err := env.svc.Run(ctx, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, "QualityCheckFailed", report.Terminal)
	assert.Equal(t, quality.VerdictFail, report.Verdict)
	assert.False(t, report.Succeeded())

	mark, err := env.marks.Get(ctx, "dim_members", "filing_date")
	require.NoError(t, err)
	assert.Equal(t, watermark.Epoch, mark)
	assert.Empty(t, report.Advanced)

	payloads := env.notifier.received()
	require.NotEmpty(t, payloads)
	assert.Equal(t, "fail", payloads[0].Verdict)
	require.NotEmpty(t, payloads[0].ThresholdsBreached)
	assert.True(t, strings.HasPrefix(payloads[0].ThresholdsBreached[0], "min_rows"))
}

func TestRunDryRunWritesNothing(t *testing.T) {
	env := newServiceEnv(t, nil)
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
	})

	report, err := env.svc.Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "PipelineSuccess", report.Terminal)
	assert.True(t, report.DryRun)
	require.Len(t, report.Tables, 2)
	assert.Equal(t, 1, report.Tables[0].Stats.NewEntities)

	for _, layer := range []string{storage.LayerBronze, storage.LayerSilver, storage.LayerGold} {
		infos, err := env.store.List(ctx, layer+"/")
		require.NoError(t, err)
		assert.Empty(t, infos, "layer %s written during dry run", layer)
	}

	mark, err := env.marks.Get(ctx, "dim_members", "filing_date")
	require.NoError(t, err)
	assert.Equal(t, watermark.Epoch, mark)
}

func TestRunScopedToOneTable(t *testing.T) {
	env := newServiceEnv(t, nil)
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
	})

	report, err := env.svc.Run(ctx, RunOptions{Table: "dim_members"})
	require.NoError(t, err)
	require.Len(t, report.Tables, 1)
	assert.Equal(t, "dim_members", report.Tables[0].Table)

	_, err = storage.ReadRows(ctx, env.store, storage.TableKey(storage.LayerGold, "fact_trades"))
	assert.True(t, storage.IsNotFound(err))
}

func TestRunUnknownTable(t *testing.T) {
	env := newServiceEnv(t, nil)
	_, err := env.svc.Run(context.Background(), RunOptions{Table: "dim_nonexistent"})
	require.Error(t, err)
}

func TestRunFullRebuildReprocessesEverything(t *testing.T) {
	env := newServiceEnv(t, nil)
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
	})
	_, err := env.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)

	// Lose the gold snapshot and push the watermark far ahead: an
	// incremental run would see nothing, but a full rebuild starts at the
	// epoch and reconstructs the dimension.
	goldKey := storage.TableKey(storage.LayerGold, "dim_members")
	require.NoError(t, env.store.Delete(ctx, goldKey))
	require.NoError(t, env.marks.Put(ctx, "dim_members", "filing_date",
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 0))

	report, err := env.svc.Run(ctx, RunOptions{FullRebuild: true})
	require.NoError(t, err)
	require.NotEmpty(t, report.Tables)
	assert.Equal(t, 1, report.Tables[0].Stats.Incoming)
	assert.Equal(t, 1, report.Tables[0].Stats.NewEntities)
	assert.False(t, report.Tables[0].NoOp)

	gold, err := storage.ReadRows(ctx, env.store, goldKey)
	require.NoError(t, err)
	assert.Len(t, gold, 1)
}

func TestServiceDefinitionExport(t *testing.T) {
	env := newServiceEnv(t, nil)

	def, err := env.svc.Definition("")
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	data, err := def.MarshalIndent()
	require.NoError(t, err)
	assert.Contains(t, string(data), "ValidateInput")
}

func TestRunWatermarkWriteFailureFailsPipeline(t *testing.T) {
	env := newServiceEnv(t, func(env *serviceEnv) {
		cfg := sampleConfig()
		cfg.Aggregates = nil
		cfg.Pipeline.InitialBackoff = "1ms" // keep retry sleeps out of the test
		env.svc = NewService(cfg, env.store, env.marks, env.notifier, nil, nil, nil)
	})
	env.marks.FailPuts = fmt.Errorf("keystore is read-only")
	ctx := context.Background()

	seedIncoming(t, env.store, "incoming/financial/batch1.jsonl", []storage.Row{
		memberRow("M1", "R", "TX-02", "2025-01-15"),
	})

	report, err := env.svc.Run(ctx, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, "PipelineFailed", report.Terminal)
	assert.False(t, report.Succeeded())

	// The merge itself landed; only the advancement failed.
	gold, err := storage.ReadRows(ctx, env.store,
		storage.TableKey(storage.LayerGold, "dim_members"))
	require.NoError(t, err)
	assert.Len(t, gold, 1)

	mark, err := env.marks.Get(ctx, "dim_members", "filing_date")
	require.NoError(t, err)
	assert.Equal(t, watermark.Epoch, mark)
	assert.Empty(t, report.Advanced)

	payloads := env.notifier.received()
	require.NotEmpty(t, payloads)
	assert.Equal(t, "pipeline", payloads[0].Table)
	assert.Contains(t, payloads[0].Error, "keystore is read-only")
}
