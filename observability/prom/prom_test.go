package prom

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/contracts"
)

func TestBridgeObserverExportsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewBridgeObserver(reg)

	o.Command(contracts.KindSetup, bridge.CommandResultOK, 20*time.Millisecond)
	o.Command(contracts.KindData, bridge.CommandResultTimeout, time.Second)
	o.Command(contracts.KindData, bridge.CommandResultTransportError, 0)
	o.Mismatch(contracts.KindData)
	o.Transition(bridge.StateUninitialized, bridge.StateConfiguring)
	o.Payload(bridge.PayloadResultOK, 5)
	o.Payload(bridge.PayloadResultTimeout, 0)
	o.Connections(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	assert.Equal(t, 3.0, values["httpbridge_commands_total"])
	assert.Equal(t, 2.0, values["httpbridge_command_latency_seconds"])
	assert.Equal(t, 1.0, values["httpbridge_status_mismatches_total"])
	assert.Equal(t, 1.0, values["httpbridge_state_transitions_total"])
	assert.Equal(t, 2.0, values["httpbridge_payload_reads_total"])
	assert.Equal(t, 1.0, values["httpbridge_payload_bytes"])
	assert.Equal(t, 3.0, values["httpbridge_connections"])
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := NewRegistry()
	o := NewBridgeObserver(reg)
	o.Command(contracts.KindTeardown, bridge.CommandResultOK, time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `httpbridge_commands_total{command="Teardown",result="ok"} 1`)
}
