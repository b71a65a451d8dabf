package protocol

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAgentMessages(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    string
		wantErr bool
	}{
		{
			name:  "heartbeat",
			frame: `{"type":"heartbeat","timestamp":1700000000}`,
			want:  TypeHeartbeat,
		},
		{
			name:  "console output",
			frame: `{"type":"console_output","serverId":"s1","stream":"stdout","data":"hello"}`,
			want:  TypeConsoleOutput,
		},
		{
			name:  "state update by uuid",
			frame: `{"type":"server_state_update","uuid":"ab-cd","state":"RUNNING"}`,
			want:  TypeServerStateUpdate,
		},
		{
			name:  "resource stats",
			frame: `{"type":"resource_stats","serverId":"s1","cpuPercent":42.5,"memoryUsageMb":512}`,
			want:  TypeResourceStats,
		},
		{
			name:  "health report",
			frame: `{"type":"health_report","cpuPercent":10,"containerCount":3}`,
			want:  TypeHealthReport,
		},
		{
			name:  "backup complete",
			frame: `{"type":"backup_complete","serverId":"s1","backupName":"nightly","backupPath":"/backups/nightly.tar.gz","sizeMb":120.5}`,
			want:  TypeBackupComplete,
		},
		{
			name:  "suffix matched response",
			frame: `{"type":"logs_response","requestId":"r1","success":true}`,
			want:  "logs_response",
		},
		{
			name:  "suffix matched chunk",
			frame: `{"type":"backup_download_chunk","requestId":"r1","data":"aGk=","done":false}`,
			want:  "backup_download_chunk",
		},
		{
			name:    "unknown type rejected",
			frame:   `{"type":"self_destruct"}`,
			wantErr: true,
		},
		{
			name:    "missing type rejected",
			frame:   `{"serverId":"s1"}`,
			wantErr: true,
		},
		{
			name:    "client message rejected on agent channel",
			frame:   `{"type":"server_control","serverId":"s1","action":"start"}`,
			wantErr: true,
		},
		{
			name:    "console output without server",
			frame:   `{"type":"console_output","stream":"stdout","data":"x"}`,
			wantErr: true,
		},
		{
			name:    "console output with bad stream",
			frame:   `{"type":"console_output","serverId":"s1","stream":"stdmagic","data":"x"}`,
			wantErr: true,
		},
		{
			name:    "state update without identifier",
			frame:   `{"type":"server_state_update","state":"RUNNING"}`,
			wantErr: true,
		},
		{
			name:    "response without request id",
			frame:   `{"type":"logs_response","success":true}`,
			wantErr: true,
		},
		{
			name:    "not json",
			frame:   `type=heartbeat`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeAgent([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.MessageType())
		})
	}
}

func TestDecodeClientMessages(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"server_control","serverId":"s1","action":"restart"}`))
	require.NoError(t, err)
	ctrl, ok := msg.(*ServerControl)
	require.True(t, ok)
	assert.Equal(t, "s1", ctrl.ServerID)
	assert.Equal(t, "restart", ctrl.Action)

	_, err = DecodeClient([]byte(`{"type":"server_control","serverId":"s1","action":"vaporize"}`))
	assert.Error(t, err)

	// Agent messages are not accepted from clients
	_, err = DecodeClient([]byte(`{"type":"heartbeat"}`))
	assert.Error(t, err)

	_, err = DecodeClient([]byte(`{"type":"console_input","serverId":"s1"}`))
	assert.Error(t, err, "console input requires data")
}

func TestDecodeBackendMessages(t *testing.T) {
	msg, err := DecodeBackend([]byte(`{"type":"start_server","serverId":"s1","uuid":"u1","image":"game:latest","memoryMb":2048}`))
	require.NoError(t, err)
	start, ok := msg.(*StartServer)
	require.True(t, ok)
	assert.Equal(t, "u1", start.UUID)
	assert.Equal(t, int64(2048), start.MemoryMB)

	msg, err = DecodeBackend([]byte(`{"type":"node_handshake_response","success":true,"backendAddress":"backend:3000"}`))
	require.NoError(t, err)
	hello, ok := msg.(*NodeHandshakeResponse)
	require.True(t, ok)
	assert.True(t, hello.Success)

	// The gateway relays client console input to agents verbatim
	msg, err = DecodeBackend([]byte(`{"type":"console_input","serverId":"s1","uuid":"u1","data":"say hi"}`))
	require.NoError(t, err)
	input, ok := msg.(*ConsoleInput)
	require.True(t, ok)
	assert.Equal(t, "say hi", input.Data)

	// Agent-originated frames are not legal from the backend
	_, err = DecodeBackend([]byte(`{"type":"heartbeat"}`))
	assert.Error(t, err)

	_, err = DecodeBackend([]byte(`{"type":"send_command","serverId":"s1"}`))
	assert.Error(t, err, "send_command requires a command")
}

func TestResponseKeepsRawFrame(t *testing.T) {
	frame := `{"type":"logs_response","requestId":"r9","success":true,"lines":["a","b"]}`
	msg, err := DecodeAgent([]byte(frame))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, "r9", resp.RequestID)
	assert.JSONEq(t, frame, string(resp.Raw))
}

func TestChunkPayload(t *testing.T) {
	data := []byte{0x00, 0x01, 0xFF, 0x42}
	c := &Chunk{Data: base64.StdEncoding.EncodeToString(data)}

	got, err := c.Payload()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	empty := &Chunk{Done: true}
	got, err = empty.Payload()
	require.NoError(t, err)
	assert.Nil(t, got)

	bad := &Chunk{Data: "not base64!!!"}
	_, err = bad.Payload()
	assert.Error(t, err)
}

func TestCorrelationStamping(t *testing.T) {
	cmd := &StartServer{Type: TypeStartServer, ServerID: "s1", UUID: "u1", Image: "game:latest"}
	cmd.SetRequestID("req-1")

	data, err := Encode(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"requestId":"req-1"`)
	assert.Contains(t, string(data), `"type":"start_server"`)
}

func TestEncodeError(t *testing.T) {
	data, err := Encode(NewError(CodeNodeOffline, "node agent is not connected"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"NODE_OFFLINE","message":"node agent is not connected"}`, string(data))
}
