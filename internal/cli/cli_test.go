package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/crypto"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/oplog"
)

// execute runs the root command against a fresh data directory.
func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("POS_DATA_DIR", dataDir)

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func decode(t *testing.T, out string, into interface{}) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

const productJSON = `{"sku":"SKU-1","name":"Tea","price":2.5}`

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "sync", "status", "operations", "conflicts", "resolve", "retry", "enqueue", "seal-token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, t.TempDir(), "status", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEnqueueAndList(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "enqueue", "--entity", "product", "--type", "update", "--data", productJSON, "--format", "json")
	require.NoError(t, err)
	var op models.Operation
	decode(t, out, &op)
	assert.Equal(t, "SKU-1", op.EntityID)
	assert.Equal(t, models.StatusPending, op.Status)

	out, err = execute(t, dir, "operations", "--status", "pending", "--format", "json")
	require.NoError(t, err)
	var ops []models.Operation
	decode(t, out, &ops)
	require.Len(t, ops, 1)
	assert.Equal(t, op.OperationID, ops[0].OperationID)

	out, err = execute(t, dir, "operations", string(op.OperationID))
	require.NoError(t, err)
	assert.Contains(t, out, "product SKU-1")

	out, err = execute(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:")
	assert.Contains(t, out, "Strategy:")
}

func TestEnqueue_validation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown entity", []string{"--entity", "invoice", "--type", "create", "--data", productJSON}, ExitCommandError},
		{"unknown type", []string{"--entity", "product", "--type", "upsert", "--data", productJSON}, ExitCommandError},
		{"missing data", []string{"--entity", "product", "--type", "create"}, ExitCommandError},
		{"not json", []string{"--entity", "product", "--type", "create", "--data", "{sku"}, ExitCommandError},
		{"payload fails validation", []string{"--entity", "product", "--type", "create", "--data", `{"sku":"SKU-1"}`}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, dir, append([]string{"enqueue"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
		})
	}
}

func TestRetry(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "retry")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := execute(t, dir, "retry", "--all", "--format", "json")
	require.NoError(t, err)
	var res map[string]int
	decode(t, out, &res)
	assert.Equal(t, 0, res["retried"])

	out, err = execute(t, dir, "enqueue", "--entity", "product", "--type", "create", "--data", productJSON, "--format", "json")
	require.NoError(t, err)
	var op models.Operation
	decode(t, out, &op)

	// Pending operations are not retryable.
	_, err = execute(t, dir, "retry", string(op.OperationID))
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestConflicts_empty(t *testing.T) {
	out, err := execute(t, t.TempDir(), "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "No open conflicts.")

	_, err = execute(t, t.TempDir(), "conflicts", "f47ac10b-58cc-4372-a567-0e02b2c3d479")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestServerCommandsNeedServerConfig(t *testing.T) {
	for _, args := range [][]string{
		{"sync"},
		{"resolve", "f47ac10b-58cc-4372-a567-0e02b2c3d479", "--resolution", "local_wins"},
	} {
		t.Run(args[0], func(t *testing.T) {
			_, err := execute(t, t.TempDir(), args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestResolve_badArgs(t *testing.T) {
	_, err := execute(t, t.TempDir(), "resolve", "not-an-id", "--resolution", "local_wins")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, t.TempDir(), "resolve", "f47ac10b-58cc-4372-a567-0e02b2c3d479", "--resolution", "pending")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSealToken(t *testing.T) {
	t.Setenv("POS_PARTNER_ID", "partner-1")
	t.Setenv("POS_DEVICE_ID", "till-3")

	out, err := execute(t, t.TempDir(), "seal-token", "--token", "secret-token")
	require.NoError(t, err)
	sealed := strings.TrimSpace(out)
	assert.True(t, crypto.IsSealed(sealed))

	plain, err := crypto.OpenToken(sealed, "partner-1", "till-3")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", plain)

	t.Setenv("POS_DEVICE_ID", "")
	_, err = execute(t, t.TempDir(), "seal-token", "--token", "secret-token")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReadData(t *testing.T) {
	raw, err := readData("", nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = readData(productJSON, nil)
	require.NoError(t, err)
	assert.JSONEq(t, productJSON, string(raw))

	raw, err = readData("-", strings.NewReader(productJSON))
	require.NoError(t, err)
	assert.JSONEq(t, productJSON, string(raw))

	path := filepath.Join(t.TempDir(), "merged.json")
	require.NoError(t, os.WriteFile(path, []byte(productJSON), 0o644))
	raw, err = readData("@"+path, nil)
	require.NoError(t, err)
	assert.JSONEq(t, productJSON, string(raw))

	_, err = readData("{", nil)
	assert.Error(t, err)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := WrapExitError(ExitFailure, "sync failed", errors.New("unreachable"))
	assert.Equal(t, "sync failed: unreachable", wrapped.Error())
	assert.True(t, errors.Is(wrapped, wrapped.Err))
}

func TestOpenApp_logsRecoveryOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t.Setenv("POS_DATA_DIR", dir)

	database, err := db.OpenAndMigrate(dir)
	require.NoError(t, err)
	l := oplog.New(db.NewRepository(database.DB), clock.Real{}, 3)
	_, err = l.Recover(ctx)
	require.NoError(t, err)
	op, err := l.Enqueue(ctx, &models.Operation{
		EntityType:    models.EntityProduct,
		OperationType: models.OperationCreate,
		Data:          json.RawMessage(productJSON),
	})
	require.NoError(t, err)
	require.NoError(t, l.MarkStatus(ctx, op.OperationID, models.StatusProcessing, ""))
	require.NoError(t, database.Close())

	var stderr bytes.Buffer
	cfg, err := loadConfig(&RootOptions{Format: "text"}, false, &stderr)
	require.NoError(t, err)
	a, err := openApp(ctx, cfg, false)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 1, strings.Count(stderr.String(), "Reset interrupted operations to pending"))

	got, err := a.engine.Operation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}
