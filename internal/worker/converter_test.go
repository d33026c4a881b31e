package worker

import (
	"context"
	"strings"
	"testing"
)

func TestExecConverterNotConfigured(t *testing.T) {
	err := ExecConverter{}.Convert(context.Background(), "in.step", "out.stl")
	if err == nil {
		t.Fatal("empty command should error")
	}
}

func TestExecConverterCommandFailure(t *testing.T) {
	err := ExecConverter{Cmd: "false"}.Convert(context.Background(), "in.step", "out.stl")
	if err == nil {
		t.Fatal("failing command should error")
	}
	if !strings.Contains(err.Error(), "conversion failed") {
		t.Errorf("error = %v, want a conversion failure", err)
	}
}

func TestExecConverterSuccess(t *testing.T) {
	if err := (ExecConverter{Cmd: "true"}).Convert(context.Background(), "in.step", "out.stl"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
}
