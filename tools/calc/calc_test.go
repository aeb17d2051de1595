package calc

import (
	"context"
	"testing"

	"github.com/athanor-ai/athanor"
)

func TestEval(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+3", 5},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"-5+3", -2},
		{"--5", 5},
		{"1.5 * 2", 3},
		{" 7 ", 7},
		{"((1+2))", 3},
		{"2*-3", -6},
	}
	for _, tc := range cases {
		got, err := eval(tc.expr)
		if err != nil {
			t.Errorf("eval(%q): %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("eval(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	cases := []string{
		"1/0",
		"2+",
		"(1+2",
		"1 2",
		"abc",
		"",
		"1.2.3",
	}
	for _, expr := range cases {
		if _, err := eval(expr); err == nil {
			t.Errorf("eval(%q) accepted", expr)
		}
	}
}

func TestHandler(t *testing.T) {
	tool := Tool()
	out, err := tool.Handler(context.Background(), athanor.Invocation{
		CallID: "c1", Args: []byte(`{"expression":"(1.5*4)/2"}`),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "3" {
		t.Errorf("out = %q, want 3", out)
	}

	_, err = tool.Handler(context.Background(), athanor.Invocation{
		CallID: "c2", Args: []byte(`{"expression":"1/0"}`),
	})
	if athanor.KindOf(err) != athanor.KindToolRuntimeError {
		t.Errorf("err = %v, want ToolRuntimeError", err)
	}

	_, err = tool.Handler(context.Background(), athanor.Invocation{
		CallID: "c3", Args: []byte(`not json`),
	})
	if athanor.KindOf(err) != athanor.KindValidationError {
		t.Errorf("err = %v, want ValidationError", err)
	}
}
