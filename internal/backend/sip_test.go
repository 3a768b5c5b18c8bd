package backend

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
)

// readFrame collects "key: value" lines up to the blank terminator.
func readFrame(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	frame := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return frame
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			frame[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
}

func pipedSIP(t *testing.T) (*SIP, *bufio.Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	s := NewSIP(config.SIPConfig{
		AMIHost: "asterisk", AMIPort: 5038,
		AMIUsername: "api", AMIPassword: "secret",
		StationID: "+15550000000",
	})
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }

	r := bufio.NewReader(server)
	done := make(chan error, 1)
	go func() { done <- s.connect(context.Background()) }()

	login := readFrame(t, r)
	if login["Action"] != "Login" || login["Username"] != "api" || login["Secret"] != "secret" {
		t.Fatalf("login frame = %v", login)
	}
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, r, server
}

func TestSIPSend_WritesOriginate(t *testing.T) {
	s, r, _ := pipedSIP(t)

	done := make(chan SendResult, 1)
	go func() {
		res, err := s.Send(context.Background(), "job1", "+15551234567", Artifact{TiffPath: "/data/out.tiff"})
		if err != nil {
			t.Errorf("Send: %v", err)
		}
		done <- res
	}()

	frame := readFrame(t, r)
	if frame["Action"] != "Originate" || frame["Async"] != "true" {
		t.Fatalf("originate frame = %v", frame)
	}
	vars := frame["Variable"]
	for _, want := range []string{"JOBID=job1", "DEST=+15551234567", "FAXFILE=/data/out.tiff"} {
		if !strings.Contains(vars, want) {
			t.Errorf("Variable %q missing %q", vars, want)
		}
	}
	if frame["CallerID"] != "+15550000000" {
		t.Errorf("CallerID = %q", frame["CallerID"])
	}

	res := <-done
	if res.Status != domain.StatusInProgress {
		t.Fatalf("result = %+v", res)
	}
}

func TestSIPSend_Preconditions(t *testing.T) {
	s := NewSIP(config.SIPConfig{})
	if _, err := s.Send(context.Background(), "j", "+1", Artifact{TiffPath: "/x.tiff"}); err == nil {
		t.Fatal("send before connect accepted")
	}
	if _, err := s.Send(context.Background(), "j", "+1", Artifact{}); err == nil {
		t.Fatal("missing telephony artifact accepted")
	}
}

func TestSIPReadLoop_DispatchesFaxResult(t *testing.T) {
	s, _, server := pipedSIP(t)

	events := make(chan FaxResultEvent, 1)
	s.OnFaxResult(func(ev FaxResultEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readLoop(ctx)

	frame := "Event: UserEvent\r\n" +
		"UserEvent: FaxResult\r\n" +
		"JobID: job1\r\n" +
		"Status: SUCCESS\r\n" +
		"Pages: 3\r\n" +
		"\r\n"
	if _, err := server.Write([]byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case ev := <-events:
		if ev.JobID != "job1" || ev.Status != "SUCCESS" || ev.Pages == nil || *ev.Pages != 3 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FaxResult event not dispatched")
	}
}

func TestSIPDispatch_IgnoresOtherEvents(t *testing.T) {
	s := NewSIP(config.SIPConfig{})
	called := false
	s.OnFaxResult(func(FaxResultEvent) { called = true })

	s.dispatch(map[string]string{"Event": "Newchannel"})
	s.dispatch(map[string]string{"Event": "UserEvent", "UserEvent": "SomethingElse"})
	if called {
		t.Fatal("callback fired for unrelated events")
	}

	s.dispatch(map[string]string{"Event": "UserEvent", "UserEvent": "FaxResult", "jobid": "j2", "status": "FAILED", "error": "busy"})
	if !called {
		t.Fatal("lowercase variable keys not accepted")
	}
}
