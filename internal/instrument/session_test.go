package instrument

import (
    "errors"
    "testing"

    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/sirupsen/logrus/hooks/test"

    "github.com/hewittc/mrgpib/internal/gpib"
    "github.com/hewittc/mrgpib/internal/gpib/gpibtest"
    "github.com/hewittc/mrgpib/internal/monitor"
)

func TestOpenUnknownAlias(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    bus.AddDevice("scope", 1)

    s, err := Open(bus, AliasTarget("nope"), log)
    if s != nil {
        t.Fatalf("expected nil session")
    }
    var connErr *ConnectionError
    if !errors.As(err, &connErr) {
        t.Fatalf("expected ConnectionError, got %v", err)
    }
    if connErr.Target != "nope" {
        t.Fatalf("target = %q", connErr.Target)
    }
    if !errors.Is(err, gpib.ErrUnknownAlias) {
        t.Fatalf("expected wrapped ErrUnknownAlias, got %v", err)
    }
    if bus.Opened != 0 || bus.Open() != 0 {
        t.Fatalf("no handle may be opened: opened=%d open=%d", bus.Opened, bus.Open())
    }
}

func TestOpenRejectsAmbiguousTarget(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    bus.AddDevice("scope", 1)

    addr := gpib.DefaultAddress(1)
    _, err := Open(bus, Target{Alias: "scope", Address: &addr}, log)
    if !errors.Is(err, ErrInvalidTarget) {
        t.Fatalf("expected ErrInvalidTarget, got %v", err)
    }
    if bus.Opened != 0 {
        t.Fatalf("bus must not be touched")
    }
}

func TestSessionCloseOnlyOnce(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    bus.AddDevice("", 5)

    before := testutil.ToFloat64(monitor.OpenSessions)
    s, err := Open(bus, AddressTarget(gpib.DefaultAddress(5)), log)
    if err != nil {
        t.Fatalf("open: %v", err)
    }
    if got := testutil.ToFloat64(monitor.OpenSessions); got != before+1 {
        t.Fatalf("open sessions = %v, want %v", got, before+1)
    }
    if err := s.Close(); err != nil {
        t.Fatalf("close: %v", err)
    }
    if err := s.Close(); err != nil {
        t.Fatalf("second close: %v", err)
    }
    if len(bus.Closed) != 1 {
        t.Fatalf("handle closed %d times, want 1", len(bus.Closed))
    }
    if got := testutil.ToFloat64(monitor.OpenSessions); got != before {
        t.Fatalf("open sessions = %v, want %v", got, before)
    }

    var tErr *TransportError
    if err := s.WriteCommand("*IDN?"); !errors.As(err, &tErr) || !errors.Is(err, ErrSessionClosed) {
        t.Fatalf("expected closed TransportError, got %v", err)
    }
}

func TestAttachNeverCloses(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    bus.AddDevice("", 5)
    h, err := bus.OpenByAddress(gpib.DefaultAddress(5))
    if err != nil {
        t.Fatalf("open: %v", err)
    }

    s := Attach(bus, h, log)
    if s.Owned() {
        t.Fatalf("attached session must not own the handle")
    }
    if err := s.Close(); err != nil {
        t.Fatalf("close: %v", err)
    }
    if len(bus.Closed) != 0 || bus.Open() != 1 {
        t.Fatalf("attached handle was released")
    }
}

func TestWithSessionClosesOnError(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    bus.AddDevice("scope", 1)

    boom := errors.New("boom")
    err := WithSession(bus, AliasTarget("scope"), log, func(s *Session) error {
        return boom
    })
    if !errors.Is(err, boom) {
        t.Fatalf("expected boom, got %v", err)
    }
    if bus.Open() != 0 || len(bus.Closed) != 1 {
        t.Fatalf("session not released: open=%d closed=%d", bus.Open(), len(bus.Closed))
    }
}

func TestWithSessionClosesOnPanic(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    bus.AddDevice("scope", 1)

    func() {
        defer func() { recover() }()
        WithSession(bus, AliasTarget("scope"), log, func(s *Session) error {
            panic("boom")
        })
    }()
    if bus.Open() != 0 {
        t.Fatalf("handle leaked after panic")
    }
}

func TestQueryAndTransportErrors(t *testing.T) {
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    dev := bus.AddDevice("scope", 1)
    dev.Reply("*IDN?", "TEKTRONIX,TDS 540A,0,CF:91.1CT FV:v1.0 \n")

    err := WithSession(bus, AliasTarget("scope"), log, func(s *Session) error {
        idn, err := s.Query("*IDN?")
        if err != nil {
            return err
        }
        if idn != "TEKTRONIX,TDS 540A,0,CF:91.1CT FV:v1.0" {
            t.Fatalf("idn = %q", idn)
        }

        if err := s.Clear(); err != nil {
            return err
        }
        if dev.Cleared != 1 {
            t.Fatalf("cleared = %d", dev.Cleared)
        }

        dev.ReadErr = gpib.ErrTimeout
        _, err = s.ReadResponse(0)
        var tErr *TransportError
        if !errors.As(err, &tErr) || tErr.Op != "read" {
            t.Fatalf("expected read TransportError, got %v", err)
        }
        if dev.Reads[len(dev.Reads)-1] != 512 {
            t.Fatalf("default read length = %d", dev.Reads[len(dev.Reads)-1])
        }

        dev.ClearErr = errors.New("bus fault")
        if err := s.Clear(); !errors.As(err, &tErr) || tErr.Op != "clear" {
            t.Fatalf("clear failure must surface, got %v", err)
        }
        return nil
    })
    if err != nil {
        t.Fatalf("session: %v", err)
    }
}

func TestParseTarget(t *testing.T) {
    tests := []struct {
        in        string
        alias     string
        primary   int
        secondary int
    }{
        {in: "gpib0", alias: "gpib0"},
        {in: "tds540", alias: "tds540"},
        {in: "5", primary: 5},
        {in: "5,96", primary: 5, secondary: 96},
        {in: " 12 ", primary: 12},
    }
    for _, tt := range tests {
        got, err := ParseTarget(tt.in)
        if err != nil {
            t.Fatalf("ParseTarget(%q): %v", tt.in, err)
        }
        if err := got.Validate(); err != nil {
            t.Fatalf("ParseTarget(%q) invalid: %v", tt.in, err)
        }
        if tt.alias != "" {
            if got.Alias != tt.alias || got.Address != nil {
                t.Fatalf("ParseTarget(%q) = %+v", tt.in, got)
            }
            continue
        }
        if got.Address == nil || got.Address.Primary != tt.primary || got.Address.Secondary != tt.secondary {
            t.Fatalf("ParseTarget(%q) = %+v", tt.in, got)
        }
    }

    if _, err := ParseTarget(""); !errors.Is(err, ErrInvalidTarget) {
        t.Fatalf("expected ErrInvalidTarget for empty target")
    }
    if _, err := ParseTarget("5,x"); !errors.Is(err, ErrInvalidTarget) {
        t.Fatalf("expected ErrInvalidTarget for bad secondary")
    }
}
