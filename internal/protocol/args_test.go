package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseDec(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int
		wantNil bool
		wantErr bool
	}{
		{name: "nil passes through", in: nil, wantNil: true},
		{name: "float64", in: float64(42), want: 42},
		{name: "zero", in: float64(0), want: 0},
		{name: "string decimal", in: "17", want: 17},
		{name: "json number", in: json.Number("3"), want: 3},
		{name: "int", in: 5, want: 5},
		{name: "negative number", in: float64(-1), wantErr: true},
		{name: "negative string", in: "-4", wantErr: true},
		{name: "non-numeric string", in: "abc", wantErr: true},
		{name: "bool", in: true, wantErr: true},
		{name: "list", in: []any{1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDec(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseDec succeeded, want error")
				}
				if !IsBadInput(err) {
					t.Errorf("error %v is not BadInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDec failed: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("ParseDec = %d, want nil", *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("ParseDec = %v, want %d", got, tt.want)
			}
		})
	}
}

func TestArgAccessors(t *testing.T) {
	args := []any{float64(42), "m1"}

	if _, err := Arg(args, 2); err == nil {
		t.Error("Arg(2) succeeded, want missing argument error")
	} else if err.Error() != "missing argument: 2" {
		t.Errorf("error = %q, want %q", err.Error(), "missing argument: 2")
	}

	n, err := ArgInt(args, 0)
	if err != nil {
		t.Fatalf("ArgInt failed: %v", err)
	}
	if n != 42 {
		t.Errorf("ArgInt = %d, want 42", n)
	}

	if _, err := ArgInt(args, 1); err == nil {
		t.Error("ArgInt over string arg succeeded, want error")
	}
}

func TestKwargAccessors(t *testing.T) {
	kwargs := map[string]any{
		"owner":     "alice",
		"keepalive": float64(60.5),
		"x":         "3",
		"tags":      []any{"default", "fast"},
	}

	if _, err := Kwarg(kwargs, "reason"); err == nil {
		t.Error("Kwarg(reason) succeeded, want missing argument error")
	} else if err.Error() != "missing argument: reason" {
		t.Errorf("error = %q, want %q", err.Error(), "missing argument: reason")
	}

	owner, err := KwargString(kwargs, "owner")
	if err != nil || owner != "alice" {
		t.Errorf("KwargString = %q, %v, want %q", owner, err, "alice")
	}

	ka, err := KwargFloat(kwargs, "keepalive")
	if err != nil || ka != 60.5 {
		t.Errorf("KwargFloat = %v, %v, want 60.5", ka, err)
	}

	x, err := KwargInt(kwargs, "x")
	if err != nil || x != 3 {
		t.Errorf("KwargInt = %d, %v, want 3", x, err)
	}

	tags, err := KwargStrings(kwargs, "tags")
	if err != nil || len(tags) != 2 || tags[0] != "default" {
		t.Errorf("KwargStrings = %v, %v, want [default fast]", tags, err)
	}

	opt, err := OptionalKwargInt(kwargs, "absent")
	if err != nil || opt != nil {
		t.Errorf("OptionalKwargInt(absent) = %v, %v, want nil, nil", opt, err)
	}
}
