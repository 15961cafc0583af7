package log

import (
	"errors"
	"testing"
	"time"

	"github.com/mailbak/mailbak/framework/exterrors"
	"go.uber.org/zap"
)

func collectOutput(collected *[]string) Output {
	return FuncOutput(func(_ time.Time, _ bool, msg string) {
		*collected = append(*collected, msg)
	}, func() error { return nil })
}

func TestMsgOrderedFields(t *testing.T) {
	var msgs []string
	l := Logger{Name: "test", Out: collectOutput(&msgs)}

	l.Msg("event", "zeta", "1", "alpha", 2)

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	want := "test: event\t{\"alpha\":2,\"zeta\":\"1\"}"
	if msgs[0] != want {
		t.Errorf("wrong formatting:\n want %s\n  got %s", want, msgs[0])
	}
}

func TestErrorFields(t *testing.T) {
	var msgs []string
	l := Logger{Name: "test", Out: collectOutput(&msgs)}

	err := exterrors.WithFields(errors.New("something broke"),
		map[string]interface{}{"check": "spf"})
	l.Error("RCPT error", err)

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	want := "test: RCPT error\t{\"check\":\"spf\",\"reason\":\"something broke\"}"
	if msgs[0] != want {
		t.Errorf("wrong formatting:\n want %s\n  got %s", want, msgs[0])
	}
}

func TestDebugSuppressed(t *testing.T) {
	var msgs []string
	l := Logger{Name: "test", Out: collectOutput(&msgs)}

	l.DebugMsg("should not appear")
	l.Debugf("neither %s", "this")

	if len(msgs) != 0 {
		t.Errorf("debug output not suppressed: %v", msgs)
	}
}

func TestZapAdapter(t *testing.T) {
	var msgs []string
	l := Logger{Name: "test", Out: collectOutput(&msgs)}

	l.Zap().Info("via zap", zap.String("key", "value"))

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	want := "test: via zap\t{\"key\":\"value\"}"
	if msgs[0] != want {
		t.Errorf("wrong formatting:\n want %s\n  got %s", want, msgs[0])
	}
}
