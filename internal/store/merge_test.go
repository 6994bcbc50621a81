package store

import (
	"reflect"
	"testing"
)

func TestDeepMergeLeafValuesFromCustomWin(t *testing.T) {
	def := map[string]interface{}{"a": 1.0, "b": 2.0}
	custom := map[string]interface{}{"a": 99.0}

	got := DeepMerge(def, custom)
	want := map[string]interface{}{"a": 99.0, "b": 2.0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDeepMergeNestedObjectsRecurse(t *testing.T) {
	def := map[string]interface{}{
		"nested": map[string]interface{}{"x": 1.0, "y": 2.0},
	}
	custom := map[string]interface{}{
		"nested": map[string]interface{}{"x": 9.0},
	}

	got := DeepMerge(def, custom)
	want := map[string]interface{}{
		"nested": map[string]interface{}{"x": 9.0, "y": 2.0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDeepMergeArraysReplacedNotMerged(t *testing.T) {
	def := map[string]interface{}{"list": []interface{}{1.0, 2.0, 3.0}}
	custom := map[string]interface{}{"list": []interface{}{9.0}}

	got := DeepMerge(def, custom)
	want := map[string]interface{}{"list": []interface{}{9.0}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDeepMergePreservesExplicitNulls(t *testing.T) {
	def := map[string]interface{}{"alias": "default-alias"}
	custom := map[string]interface{}{"alias": nil}

	got := DeepMerge(def, custom)
	want := map[string]interface{}{"alias": nil}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDeepMergeAddsNewDefaultKeys(t *testing.T) {
	def := map[string]interface{}{"a": 1.0, "newKey": "default"}
	custom := map[string]interface{}{"a": 2.0}

	got := DeepMerge(def, custom).(map[string]interface{})
	if got["newKey"] != "default" {
		t.Fatalf("expected new default key to surface, got %v", got)
	}
}
