package bladerf

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rfkit/bladerf/native"
)

func TestFromCodeMapping(t *testing.T) {
	cases := []struct {
		code int
		kind Kind
	}{
		{native.CodeTimeout, KindTimeout},
		{native.CodeNoDev, KindDisconnected},
		{native.CodeRange, KindConfig},
		{native.CodeInval, KindConfig},
		{native.CodeIO, KindDriver},
		{native.CodeMem, KindDriver},
		{native.CodeFPGAOp, KindDriver},
		{-999, KindDriver}, // undocumented codes stay driver errors
	}
	for _, tc := range cases {
		err := fromCode(tc.code)
		if got := KindOf(err); got != tc.kind {
			t.Errorf("code %d: kind %v, want %v", tc.code, got, tc.kind)
		}
	}
	if err := fromCode(native.CodeOK); err != nil {
		t.Errorf("CodeOK mapped to %v", err)
	}
}

func TestDriverErrorCarriesRawCode(t *testing.T) {
	err := fromCode(-999)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Code != -999 {
		t.Errorf("raw code %d, want -999", e.Code)
	}
	if !strings.Contains(e.Error(), "-999") {
		t.Errorf("message %q does not name the code", e.Error())
	}
}

func TestSentinelMatching(t *testing.T) {
	if !errors.Is(fromCode(native.CodeTimeout), ErrTimeout) {
		t.Error("timeout code does not match ErrTimeout")
	}
	if !errors.Is(fromCode(native.CodeNoDev), ErrDisconnected) {
		t.Error("no-device code does not match ErrDisconnected")
	}
	if errors.Is(fromCode(native.CodeTimeout), ErrOverrun) {
		t.Error("timeout matched ErrOverrun")
	}

	wrapped := fmt.Errorf("sync rx: %w", fromCode(native.CodeTimeout))
	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("wrapping broke sentinel matching")
	}
	if KindOf(wrapped) != KindTimeout {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
}

func TestConfigErrorNamesField(t *testing.T) {
	err := configErr("sample_rate", "out_of_range")
	msg := err.Error()
	if !strings.Contains(msg, "sample_rate") || !strings.Contains(msg, "out_of_range") {
		t.Errorf("message %q missing field or reason", msg)
	}
	if KindOf(err) != KindConfig {
		t.Errorf("kind %v, want KindConfig", KindOf(err))
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != 0 {
		t.Error("foreign error classified")
	}
	if KindOf(nil) != 0 {
		t.Error("nil error classified")
	}
}

func TestFatalCodes(t *testing.T) {
	for _, code := range []int{native.CodeNoDev, native.CodeIO, native.CodeNotInit, native.CodeUnexpected} {
		if !fatalCode(code) {
			t.Errorf("code %d should be fatal", code)
		}
	}
	for _, code := range []int{native.CodeTimeout, native.CodeRange, native.CodeInval} {
		if fatalCode(code) {
			t.Errorf("code %d should not be fatal", code)
		}
	}
}

func TestCodeNames(t *testing.T) {
	if native.CodeName(native.CodeTimeout) != "timeout" {
		t.Errorf("unexpected name %q", native.CodeName(native.CodeTimeout))
	}
	if name := native.CodeName(-999); name != "unknown" {
		t.Errorf("unknown code named %q", name)
	}
}
