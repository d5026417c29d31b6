package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/CK6170/fruitell-go/capture"
	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
)

// fakeDevice plays a scripted device behind the openPort seam. Empty
// script entries read as timeout ticks; an exhausted script ticks
// forever.
type fakeDevice struct {
	mu     sync.Mutex
	lines  []string
	pos    int
	sent   []string
	closed bool
}

func (f *fakeDevice) ReadLine() (string, error) {
	f.mu.Lock()
	var line string
	if f.pos < len(f.lines) {
		line = f.lines[f.pos]
		f.pos++
	}
	f.mu.Unlock()
	if line == "" {
		time.Sleep(time.Millisecond)
	}
	return line, nil
}

func (f *fakeDevice) Send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeDevice) Name() string { return "FAKE0" }

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDevice) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeDevice) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func uploadFile(t *testing.T, url, name string, content []byte) UploadResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var up UploadResponse
	decodeInto(t, resp, &up)
	return up
}

func looseCSV(rows [][4]int) []byte {
	var b strings.Builder
	b.WriteString("echo_us,label,fresh_anchor,spoil_anchor\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%d,%d,%d,%d\n", r[0], r[1], r[2], r[3])
	}
	return []byte(b.String())
}

const testConfigJSON = `{"SERIAL":{"PORT":"COM7","BAUDRATE":115200},"MINCONF":60,"DATA":"fruitell_data.csv"}`

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var h HealthResponse
	decodeInto(t, resp, &h)
	assert.True(t, h.OK)
	assert.False(t, h.Timestamp.IsZero())
}

func TestUploadAndDownloadConfig(t *testing.T) {
	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	up := uploadFile(t, srv.URL+"/api/upload/config", "config.json", []byte(testConfigJSON))
	require.NotEmpty(t, up.ID)
	assert.Equal(t, "config", up.Kind)

	resp, err := http.Get(srv.URL + "/api/download?id=" + up.ID)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body := new(bytes.Buffer)
	_, err = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, testConfigJSON, body.String())

	resp, err = http.Get(srv.URL + "/api/download?id=deadbeef")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestUploadConfigRejectsMissingSerial(t *testing.T) {
	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "config.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{"MINCONF": 50}`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/upload/config", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
	var apiErr APIError
	decodeInto(t, resp, &apiErr)
	assert.Contains(t, apiErr.Error, "missing SERIAL")
}

func TestUploadDataAndTrain(t *testing.T) {
	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	var rows [][4]int
	for i := 0; i < 10; i++ {
		rows = append(rows, [4]int{1420 + i*20, 1, 1400, 2600})
	}
	for i := 0; i < 10; i++ {
		rows = append(rows, [4]int{2400 + i*20, 0, 1400, 2600})
	}
	up := uploadFile(t, srv.URL+"/api/upload/data", "data.csv", looseCSV(rows))
	require.Equal(t, "data", up.Kind)
	require.Equal(t, 20, up.Rows)

	resp := postJSON(t, srv.URL+"/api/train", TrainRequest{DataID: up.ID})
	require.Equal(t, 200, resp.StatusCode)
	var tr TrainResponse
	decodeInto(t, resp, &tr)

	assert.Equal(t, 20, tr.Rows)
	assert.InDelta(t, 1400, tr.FreshAnchor, 1e-9)
	assert.InDelta(t, 2600, tr.SpoilAnchor, 1e-9)
	assert.True(t, strings.HasPrefix(tr.WeightLine, "W:"), "weight line %q", tr.WeightLine)
	assert.GreaterOrEqual(t, tr.Accuracy, 0.95)
	assert.False(t, tr.Pushed)
}

func TestTrainNeedsBothClasses(t *testing.T) {
	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	rows := [][4]int{{1500, 1, 1400, 2600}, {1520, 1, 1400, 2600}}
	up := uploadFile(t, srv.URL+"/api/upload/data", "data.csv", looseCSV(rows))

	resp := postJSON(t, srv.URL+"/api/train", TrainRequest{DataID: up.ID})
	require.Equal(t, 400, resp.StatusCode)
	var apiErr APIError
	decodeInto(t, resp, &apiErr)
	assert.Contains(t, apiErr.Error, "need both classes")
}

func TestOpsRequireConnection(t *testing.T) {
	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/capture/start", CaptureStartRequest{})
	require.Equal(t, 400, resp.StatusCode)
	var apiErr APIError
	decodeInto(t, resp, &apiErr)
	assert.Equal(t, "not connected", apiErr.Error)

	resp = postJSON(t, srv.URL+"/api/capture/label", LabelRequest{Key: "f"})
	require.Equal(t, 400, resp.StatusCode)
	decodeInto(t, resp, &apiErr)
	assert.Equal(t, "no capture in progress", apiErr.Error)

	resp = postJSON(t, srv.URL+"/api/connect", ConnectRequest{ConfigID: "nope"})
	require.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()
}

// TestPortsStatusAndConfig covers the read-only inspection routes: port
// enumeration, the connection snapshot and the active parameters.
func TestPortsStatusAndConfig(t *testing.T) {
	fake := &fakeDevice{lines: []string{"FruitSense v2 ready"}}
	restorePort := openPort
	openPort = func(port string, baud int) (serialDevice, error) { return fake, nil }
	defer func() { openPort = restorePort }()

	restoreList := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "COM7", IsUSB: true, VID: "1A86", PID: "7523", Product: "USB Serial"},
			{Name: "COM1"},
		}, nil
	}
	defer func() { listPorts = restoreList }()

	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ports")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var ports []PortInfo
	decodeInto(t, resp, &ports)
	require.Len(t, ports, 2)
	assert.Equal(t, "COM7", ports[0].Name)
	assert.Equal(t, "1A86", ports[0].VID)
	assert.True(t, ports[0].IsUSB)
	assert.Equal(t, "COM1", ports[1].Name)
	assert.False(t, ports[1].IsUSB)

	resp, err = http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var st StatusResponse
	decodeInto(t, resp, &st)
	assert.False(t, st.Connected)
	assert.False(t, st.Busy)
	assert.Empty(t, st.Port)

	resp, err = http.Get(srv.URL + "/api/config")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()

	up := uploadFile(t, srv.URL+"/api/upload/config", "config.json", []byte(testConfigJSON))
	resp = postJSON(t, srv.URL+"/api/connect", ConnectRequest{ConfigID: up.ID})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	decodeInto(t, resp, &st)
	assert.True(t, st.Connected)
	assert.Equal(t, "COM7", st.Port)
	assert.Equal(t, 115200, st.Baud)
	assert.Equal(t, up.ID, st.ConfigID)
	assert.False(t, st.Busy)
	assert.Zero(t, st.LastRows)

	resp, err = http.Get(srv.URL + "/api/config")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var params models.PARAMETERS
	decodeInto(t, resp, &params)
	require.NotNil(t, params.SERIAL)
	assert.Equal(t, "COM7", params.SERIAL.PORT)
	assert.InDelta(t, 60, params.MINCONF, 1e-9)
}

// TestAnchorsPreferMedians checks that live-test anchors come from the
// medians of the last capture, not whichever sample happened to be
// labeled last.
func TestAnchorsPreferMedians(t *testing.T) {
	d := &DeviceSession{lastSamples: []models.Sample{
		{EchoUS: 1500, FreshAnchor: 1300, SpoilAnchor: 2500},
		{EchoUS: 1520, FreshAnchor: 1400, SpoilAnchor: 2600},
		{EchoUS: 1540, FreshAnchor: 1500, SpoilAnchor: 2700},
	}}
	fa, sa := d.anchorsLocked()
	assert.InDelta(t, 1400, fa, 1e-9)
	assert.InDelta(t, 2600, sa, 1e-9)

	empty := &DeviceSession{}
	fa, sa = empty.anchorsLocked()
	assert.InDelta(t, models.DefaultFreshAnchor, fa, 1e-9)
	assert.InDelta(t, models.DefaultSpoilAnchor, sa, 1e-9)
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func awaitFrame(t *testing.T, conn *websocket.Conn, want func(wsFrame) bool) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for websocket frame")
		if want(f) {
			return f
		}
	}
}

func captureUpdate(t *testing.T, f wsFrame) capture.Update {
	t.Helper()
	var u capture.Update
	require.NoError(t, json.Unmarshal(f.Data, &u))
	return u
}

func programUpdate(t *testing.T, f wsFrame) capture.ProgramUpdate {
	t.Helper()
	var u capture.ProgramUpdate
	require.NoError(t, json.Unmarshal(f.Data, &u))
	return u
}

// Full remote flow against a scripted device: connect, watch telemetry
// over the websocket, label two readings, stop, train and push.
func TestConnectAndCaptureOverHTTP(t *testing.T) {
	fake := &fakeDevice{lines: buildCaptureScript()}
	restore := openPort
	openPort = func(port string, baud int) (serialDevice, error) { return fake, nil }
	defer func() { openPort = restore }()

	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	up := uploadFile(t, srv.URL+"/api/upload/config", "config.json", []byte(testConfigJSON))

	resp := postJSON(t, srv.URL+"/api/connect", ConnectRequest{ConfigID: up.ID})
	require.Equal(t, 200, resp.StatusCode)
	var conn ConnectResponse
	decodeInto(t, resp, &conn)
	assert.True(t, conn.Connected)
	assert.Equal(t, "COM7", conn.Port)
	assert.Equal(t, 115200, conn.Baud)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/telemetry"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	zero := 0.0
	resp = postJSON(t, srv.URL+"/api/capture/start", CaptureStartRequest{MinConf: &zero})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	// First reading: label fresh.
	live := captureUpdate(t, awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "live" }))
	assert.InDelta(t, 1500, live.Record.EchoUS, 1e-9)

	resp = postJSON(t, srv.URL+"/api/capture/label", LabelRequest{Key: "f"})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	saved := captureUpdate(t, awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "saved" }))
	assert.Equal(t, models.FRESH, saved.Label)
	assert.Equal(t, 1, saved.Saved)

	// Second reading: wait for the later echo, label spoiled.
	awaitFrame(t, ws, func(f wsFrame) bool {
		return f.Type == "live" && captureUpdate(t, f).Record.EchoUS > 2000
	})
	resp = postJSON(t, srv.URL+"/api/capture/label", LabelRequest{Key: "s"})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	saved = captureUpdate(t, awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "saved" }))
	assert.Equal(t, models.SPOILED, saved.Label)
	assert.Equal(t, 2, saved.Saved)

	resp = postJSON(t, srv.URL+"/api/capture/stop", nil)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	done := awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "done" })
	var counts map[string]int
	require.NoError(t, json.Unmarshal(done.Data, &counts))
	assert.Equal(t, 2, counts["saved"])

	// Train on the captured pair and push the weights down.
	resp = postJSON(t, srv.URL+"/api/train", TrainRequest{Push: true})
	require.Equal(t, 200, resp.StatusCode)
	var tr TrainResponse
	decodeInto(t, resp, &tr)
	assert.Equal(t, 2, tr.Rows)
	assert.True(t, tr.Pushed)
	assert.True(t, strings.HasPrefix(tr.WeightLine, "W:"))
	assert.Contains(t, fake.sentCommands(), tr.WeightLine)

	resp = postJSON(t, srv.URL+"/api/disconnect", nil)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, fake.wasClosed())
}

func buildCaptureScript() []string {
	lines := []string{"FruitSense v2 ready"}
	for i := 0; i < 40; i++ {
		lines = append(lines, "")
	}
	for i := 0; i < 30; i++ {
		lines = append(lines, "1000,1500.0,12.0,0.0,88.0,1400,2600", "")
	}
	for i := 0; i < 300; i++ {
		lines = append(lines, "")
	}
	for i := 0; i < 30; i++ {
		lines = append(lines, "2000,2500.0,10.0,0.0,90.0,1400,2600", "")
	}
	return lines
}

// TestLiveTestOverHTTP streams a scripted device through the live-test
// route and checks that request anchors override the defaults in the
// reported freshness.
func TestLiveTestOverHTTP(t *testing.T) {
	lines := []string{"FruitSense v2 ready"}
	for i := 0; i < 40; i++ {
		lines = append(lines, "")
	}
	for i := 0; i < 200; i++ {
		lines = append(lines, "1000,1500.0,12.0,0.0,88.0,1400,2600", "")
	}
	fake := &fakeDevice{lines: lines}
	restore := openPort
	openPort = func(port string, baud int) (serialDevice, error) { return fake, nil }
	defer func() { openPort = restore }()

	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	up := uploadFile(t, srv.URL+"/api/upload/config", "config.json", []byte(testConfigJSON))
	resp := postJSON(t, srv.URL+"/api/connect", ConnectRequest{ConfigID: up.ID})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/telemetry"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	fa, sa := 1000.0, 2000.0
	resp = postJSON(t, srv.URL+"/api/test/start", TestStartRequest{FreshAnchor: &fa, SpoilAnchor: &sa})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	frame := awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "livetest" })
	var tu capture.TestUpdate
	require.NoError(t, json.Unmarshal(frame.Data, &tu))
	// The device reports zero freshness, so the estimate is the echo
	// position between the requested anchors: (1500-1000)/1000, flipped.
	assert.InDelta(t, 50.0, tu.FreshPct, 1e-9)
	assert.InDelta(t, 88.0, tu.ConfPct, 1e-9)
	assert.InDelta(t, 1500, tu.Record.EchoUS, 1e-9)

	resp = postJSON(t, srv.URL+"/api/test/stop", nil)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "stopped" })
	assert.Contains(t, fake.sentCommands(), protocol.CmdTrainOn)
}

// TestProgramOverHTTP uploads a CSV, programs it into a scripted device
// and follows the ready/sending/report frames through to completion.
func TestProgramOverHTTP(t *testing.T) {
	lines := []string{"FruitSense v2 ready"}
	for i := 0; i < 40; i++ {
		lines = append(lines, "")
	}
	lines = append(lines, "CSVTEST:READY", "SELFTEST: 2 rows stored")
	fake := &fakeDevice{lines: lines}
	restore := openPort
	openPort = func(port string, baud int) (serialDevice, error) { return fake, nil }
	defer func() { openPort = restore }()

	srv := httptest.NewServer(New("./web").Handler())
	defer srv.Close()

	up := uploadFile(t, srv.URL+"/api/upload/config", "config.json", []byte(testConfigJSON))
	resp := postJSON(t, srv.URL+"/api/connect", ConnectRequest{ConfigID: up.ID})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	rows := [][4]int{{1500, 1, 1400, 2600}, {2600, 0, 1400, 2600}}
	data := uploadFile(t, srv.URL+"/api/upload/data", "data.csv", looseCSV(rows))
	require.Equal(t, 2, data.Rows)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/telemetry"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	resp = postJSON(t, srv.URL+"/api/program/start", ProgramStartRequest{DataID: data.ID, WaitSeconds: 0.3})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	ready := programUpdate(t, awaitFrame(t, ws, func(f wsFrame) bool {
		return f.Type == "program" && programUpdate(t, f).Phase == capture.ProgramReady
	}))
	assert.Contains(t, ready.Line, "READY")
	assert.Equal(t, 2, ready.Total)

	sending := programUpdate(t, awaitFrame(t, ws, func(f wsFrame) bool {
		return f.Type == "program" && programUpdate(t, f).Sent == 2
	}))
	assert.Equal(t, capture.ProgramSending, sending.Phase)
	assert.Equal(t, 2, sending.Total)

	report := programUpdate(t, awaitFrame(t, ws, func(f wsFrame) bool {
		return f.Type == "program" && programUpdate(t, f).Phase == capture.ProgramReport
	}))
	assert.Contains(t, report.Line, "SELFTEST")

	done := awaitFrame(t, ws, func(f wsFrame) bool { return f.Type == "done" })
	var counts map[string]int
	require.NoError(t, json.Unmarshal(done.Data, &counts))
	assert.Equal(t, 2, counts["sent"])

	sent := fake.sentCommands()
	assert.Contains(t, sent, protocol.CmdUploadBegin+"\r\n")
	assert.Contains(t, sent, "1500,1,1400,2600\r\n")
	assert.Contains(t, sent, "2600,0,1400,2600\r\n")
	assert.Contains(t, sent, protocol.CmdUploadEnd+"\r\n")
	assert.Contains(t, sent, protocol.CmdStatus+"\r\n")
}
