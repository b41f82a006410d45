// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketengine/src/events"
	"marketengine/src/model"
	"marketengine/src/processor"
	"marketengine/src/reclaim"
	"marketengine/src/store"
)

func TestStatusHandlers(t *testing.T) {
	st := store.NewMemory()
	pub := events.NewRecorder()
	engine := processor.New(st, pub)
	ctx := context.Background()

	_, work, err := engine.CreateTask(ctx, processor.NewTask{Type: model.CreateFunction, Priority: 10})
	require.NoError(t, err)
	_, _, err = engine.CreateTask(ctx, processor.NewTask{Type: model.OpenTask, Priority: 20})
	require.NoError(t, err)
	_, err = engine.Claim(ctx, work.ID, "alice")
	require.NoError(t, err)

	sw := reclaim.NewSweeper(st, pub, reclaim.Config{DesertionThreshold: 10 * time.Hour, WarningLead: 2 * time.Hour})
	require.NoError(t, sw.RunAll(ctx))
	srv := httptest.NewServer(NewAPIServer("test-id", "memory", st, sw).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/global-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gs GlobalStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gs))
	assert.Equal(t, 2, gs.TotalTasks)
	assert.Equal(t, 1, gs.Tasks[model.TaskInProcess])
	assert.Equal(t, 1, gs.Tasks[model.TaskPending])
	assert.Equal(t, 1, gs.Work[model.WorkUnavailable])
	assert.Equal(t, 1, gs.ActiveRecords)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test-id", status.ID)
	assert.Equal(t, "memory", status.Driver)
	assert.Equal(t, int64(1), status.Sweeps.Runs)

	resp, err = http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"qa_chain=true", "qa_iterations=3", "note=plain text"})
	require.NoError(t, err)
	assert.True(t, opts.Bool("qa_chain"))
	assert.Equal(t, 3, opts.Int("qa_iterations", 0))
	assert.Equal(t, "plain text", opts["note"])

	_, err = parseOptions([]string{"broken"})
	assert.Error(t, err)

	opts, err = parseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, opts)
}

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"}, {"migrate"}, {"sweep", "desert"}, {"sweep", "expire"}, {"sweep", "warn"},
		{"task", "create"}, {"task", "cancel"}, {"task", "rate"}, {"task", "accept"},
		{"work", "next"}, {"work", "claim"}, {"work", "finish"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestTaskRateCommand(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("NATS_URL", "")

	run := func(args ...string) error {
		root := rootCmd()
		root.SetArgs(args)
		return root.ExecuteContext(context.Background())
	}

	err := run("task", "rate", "rec-1", "--rating", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside 1..5")

	err = run("task", "rate", "rec-1", "--rating", "4")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Error(t, run("task", "rate", "rec-1"))
}
