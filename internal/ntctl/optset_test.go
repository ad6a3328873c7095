package ntctl

import (
	"reflect"
	"testing"
)

func TestParseOptionDecodesJSONValue(t *testing.T) {
	key, value, err := ParseOption("probes.demo.interval_ms=500")
	if err != nil {
		t.Fatalf("ParseOption: %v", err)
	}
	if key != "probes.demo.interval_ms" {
		t.Errorf("key = %q, want %q", key, "probes.demo.interval_ms")
	}
	if value != float64(500) {
		t.Errorf("value = %v (%T), want float64(500)", value, value)
	}
}

func TestParseOptionFallsBackToString(t *testing.T) {
	_, value, err := ParseOption("probes.retsnoop.flow_starting_function=__tcp_transmit_skb")
	if err != nil {
		t.Fatalf("ParseOption: %v", err)
	}
	if value != "__tcp_transmit_skb" {
		t.Errorf("value = %v, want raw string", value)
	}
}

func TestParseOptionRejectsMissingEquals(t *testing.T) {
	if _, _, err := ParseOption("no-equals-sign"); err == nil {
		t.Fatal("expected error for argument without '='")
	}
}

func TestSetNestedDottedPath(t *testing.T) {
	dest := map[string]any{}
	if err := SetNested(dest, "probes.demo.interval_ms", float64(500)); err != nil {
		t.Fatalf("SetNested: %v", err)
	}

	want := map[string]any{
		"probes": map[string]any{
			"demo": map[string]any{
				"interval_ms": float64(500),
			},
		},
	}
	if !reflect.DeepEqual(dest, want) {
		t.Errorf("dest = %#v, want %#v", dest, want)
	}
}

func TestSetNestedMergesSiblingKeys(t *testing.T) {
	dest := map[string]any{}
	if err := SetNested(dest, "probes.demo.interval_ms", float64(500)); err != nil {
		t.Fatalf("SetNested: %v", err)
	}
	if err := SetNested(dest, "probes.retsnoop.flow_starting_function", "__tcp_transmit_skb"); err != nil {
		t.Fatalf("SetNested: %v", err)
	}
	if err := SetNested(dest, "events.buffer_length", float64(1000)); err != nil {
		t.Fatalf("SetNested: %v", err)
	}

	probes, ok := dest["probes"].(map[string]any)
	if !ok || len(probes) != 2 {
		t.Fatalf("probes = %#v, want two entries", dest["probes"])
	}
	events, ok := dest["events"].(map[string]any)
	if !ok || events["buffer_length"] != float64(1000) {
		t.Fatalf("events = %#v", dest["events"])
	}
}

func TestSetNestedBracketIndex(t *testing.T) {
	dest := map[string]any{}
	if err := SetNested(dest, "probes.demo.targets[0]", "eth0"); err != nil {
		t.Fatalf("SetNested: %v", err)
	}
	if err := SetNested(dest, "probes.demo.targets[1]", "eth1"); err != nil {
		t.Fatalf("SetNested: %v", err)
	}

	demo := dest["probes"].(map[string]any)["demo"].(map[string]any)
	targets, ok := demo["targets"].([]any)
	if !ok || len(targets) != 2 {
		t.Fatalf("targets = %#v", demo["targets"])
	}
	if targets[0] != "eth0" || targets[1] != "eth1" {
		t.Errorf("targets = %#v", targets)
	}
}

func TestSetNestedRejectsEmptyKey(t *testing.T) {
	if err := SetNested(map[string]any{}, "", "x"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestSetNestedRejectsBareRoot(t *testing.T) {
	if err := SetNested(map[string]any{}, "$", "x"); err == nil {
		t.Fatal("expected error for bare '$' key")
	}
}
