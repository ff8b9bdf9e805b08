package controllerclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaseshift/agent/internal/identity"
)

func TestHTTPClient_Register(t *testing.T) {
	var gotAuth string
	var gotBody wireRegisterRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/agents/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(wireRegisterResponse{
			AgentID: "agent-1",
			Config:  ConfigFlags{Enabled: true, AutoSwitchEnabled: true, AutoTerminateEnabled: true},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token")
	resp, err := c.Register(t.Context(), RegisterRequest{
		InstanceID:   "i-A",
		InstanceType: "m5.large",
		Region:       "ap-south-1",
		Zone:         "ap-south-1a",
		ImageID:      "ami-0",
		Hostname:     "host-a",
		AgentVersion: "3.0.0",
	})

	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp.AgentID)
	assert.True(t, resp.Config.Enabled)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "secret-token", gotBody.ClientToken)
	assert.Equal(t, "i-A", gotBody.InstanceID)
	assert.Equal(t, "agent-1", c.AgentID())
}

func TestHTTPClient_PendingCommandsNormalizesTargetMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]wirePendingCommand{
			{ID: "7", InstanceID: "i-A", TargetMode: "ondemand"},
			{ID: "8", InstanceID: "i-A", TargetMode: "pool", TargetPoolID: "m5.large_apsouth1b"},
			{ID: "9", InstanceID: "i-A", TargetMode: "spot"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token")
	c.agentID = "agent-1"

	commands, err := c.PendingCommands(t.Context())
	require.NoError(t, err)
	require.Len(t, commands, 3)

	assert.Equal(t, identity.LeaseFixed, commands[0].TargetLeaseClass)
	assert.Equal(t, identity.LeaseReclaimable, commands[1].TargetLeaseClass)
	assert.Equal(t, "m5.large_apsouth1b", commands[1].TargetPoolID)
	assert.Equal(t, identity.LeaseReclaimable, commands[2].TargetLeaseClass)
}

func TestHTTPClient_MarkCommandExecuted(t *testing.T) {
	var gotBody wireMarkExecuted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agents/agent-1/mark-command-executed", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token")
	c.agentID = "agent-1"

	err := c.MarkCommandExecuted(t.Context(), "7")
	require.NoError(t, err)
	assert.Equal(t, "7", gotBody.CommandID)
}

func TestHTTPClient_SwitchReportNullTerminatedAtWhenAutoTerminateDisabled(t *testing.T) {
	var gotBody wireSwitchReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token")
	c.agentID = "agent-1"

	record := identity.MigrationRecord{
		Old:                   identity.Snapshot{InstanceID: "i-A"},
		New:                   identity.Snapshot{InstanceID: "i-B"},
		Initiated:             time.Now(),
		NewInstanceReady:      time.Now(),
		TrafficSwitched:       time.Now(),
		OldInstanceTerminated: nil,
	}

	err := c.SwitchReport(t.Context(), record)
	require.NoError(t, err)
	assert.Nil(t, gotBody.Timing.OldInstanceTerminatedAt)
}

func TestHTTPClient_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token")
	c.agentID = "agent-1"

	_, err := c.GetConfig(t.Context())
	assert.Error(t, err)
}
