package vectorstore

import (
	"errors"
	"testing"
)

func TestCompileFilter_Nil(t *testing.T) {
	where, args, err := compileFilter(nil, 2)
	if err != nil {
		t.Fatalf("compileFilter() error = %v", err)
	}
	if where != "" || len(args) != 0 {
		t.Errorf("nil filter compiled to %q with %d args", where, len(args))
	}
}

func TestCompileFilter_DocIDEquality(t *testing.T) {
	where, args, err := compileFilter(Eq("doc_id", "doc-1"), 2)
	if err != nil {
		t.Fatalf("compileFilter() error = %v", err)
	}
	if where != "WHERE doc_id = $2" {
		t.Errorf("where = %q", where)
	}
	if len(args) != 1 || args[0] != "doc-1" {
		t.Errorf("args = %v", args)
	}
}

func TestCompileFilter_MetadataFieldAndIn(t *testing.T) {
	filter := &Filter{Conditions: []Condition{
		{Field: "file_type", Op: FilterEq, Value: "md"},
		{Field: "doc_id", Op: FilterIn, Values: []interface{}{"a", "b"}},
	}}
	where, args, err := compileFilter(filter, 2)
	if err != nil {
		t.Fatalf("compileFilter() error = %v", err)
	}
	want := "WHERE metadata->>'file_type' = $2 AND doc_id = ANY($3)"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if len(args) != 2 {
		t.Fatalf("args = %v, want 2 entries", args)
	}
	values, ok := args[1].([]string)
	if !ok || len(values) != 2 || values[0] != "a" || values[1] != "b" {
		t.Errorf("in-list args = %v", args[1])
	}
}

func TestCompileFilter_UnsupportedOperator(t *testing.T) {
	filter := &Filter{Conditions: []Condition{
		{Field: "ordinal", Op: FilterOp("gte"), Value: 3},
	}}
	_, _, err := compileFilter(filter, 2)
	if !errors.Is(err, ErrUnsupportedFilter) {
		t.Errorf("compileFilter() error = %v, want ErrUnsupportedFilter", err)
	}
}

func TestCompileFilter_QuoteStripping(t *testing.T) {
	filter := &Filter{Conditions: []Condition{
		{Field: "tag's", Op: FilterEq, Value: "x"},
	}}
	where, _, err := compileFilter(filter, 2)
	if err != nil {
		t.Fatalf("compileFilter() error = %v", err)
	}
	want := "WHERE metadata->>'tags' = $2"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
}
