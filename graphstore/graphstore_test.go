package graphstore

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func TestCheckReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		cypher  string
		wantErr bool
	}{
		{"match", "MATCH (n:Company) RETURN DISTINCT n.name AS value ORDER BY value", false},
		{"exists subquery", "MATCH (s:Section) WHERE EXISTS { MATCH (s)<-[:HAS_SECTION]-(d:Document) } RETURN s", false},
		{"literal with keyword", "MATCH (s:Section {name: 'Delete Reserve Set'}) RETURN s", false},
		{"skip limit offset", "MATCH (n) RETURN n SKIP 10 LIMIT 5", false},
		{"create", "CREATE (n:Company {name: 'X'})", true},
		{"merge lowercase", "merge (n:Company {name: 'X'})", true},
		{"detach delete", "MATCH (n) DETACH DELETE n", true},
		{"set", "MATCH (n) SET n.name = 'x'", true},
		{"load csv", "LOAD CSV FROM 'file:///x' AS row RETURN row", true},
		{"dbms call", "CALL dbms.security.createUser('x','y')", true},
		{"apoc create", "CALL apoc.create.node(['X'], {})", true},
		{"read procedure", "CALL db.labels() YIELD label RETURN label", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckReadOnly(tt.cypher)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckReadOnly(%q) = %v, wantErr %v", tt.cypher, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrWriteQuery) {
				t.Errorf("error %v does not wrap ErrWriteQuery", err)
			}
		})
	}
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		in     any
		want   int
		wantOK bool
	}{
		{int64(2025), 2025, true},
		{2024, 2024, true},
		{float64(2023), 2023, true},
		{2023.5, 0, false},
		{" 2022 ", 2022, true},
		{"twenty", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := AsInt(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("AsInt(%#v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAsInt64(t *testing.T) {
	if n, ok := AsInt64("5348"); !ok || n != 5348 {
		t.Errorf("AsInt64(string) = %d, %v", n, ok)
	}
	if n, ok := AsInt64(float64(10)); !ok || n != 10 {
		t.Errorf("AsInt64(float64) = %d, %v", n, ok)
	}
}

func TestConvertRecords(t *testing.T) {
	records := []*neo4j.Record{
		{
			Keys:   []string{"name", "node", "list"},
			Values: []any{"BAC", neo4j.Node{Props: map[string]any{"label": "Q1"}}, []any{int64(1), neo4j.Node{Props: map[string]any{"x": 1}}}},
		},
	}
	rows := convertRecords(records)
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0]["name"] != "BAC" {
		t.Errorf("name = %v", rows[0]["name"])
	}
	node, ok := rows[0]["node"].(map[string]any)
	if !ok || node["label"] != "Q1" {
		t.Errorf("node not flattened: %#v", rows[0]["node"])
	}
	list := rows[0]["list"].([]any)
	if _, ok := list[1].(map[string]any); !ok {
		t.Errorf("nested node not flattened: %#v", list[1])
	}
}

func TestRunRequiresConnection(t *testing.T) {
	c := New(Config{URI: "neo4j://localhost:7687"}, nil)
	if _, err := c.Run(context.Background(), "MATCH (n) RETURN n", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ping err = %v", err)
	}
}

func TestDistinctValuesRejectsInjection(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.DistinctValues(context.Background(), "Company) DETACH DELETE (n", "name")
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("err = %v, want ErrInvalidIdentifier", err)
	}
}
