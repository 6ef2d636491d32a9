// Package graphstore is the read-side client for the filings knowledge
// graph stored in Neo4j:
//
//	(:Company {name})-[:HAS_YEAR]->(:Year {value})-[:HAS_QUARTER]->(:Quarter {label})
//	  -[:HAS_DOC]->(:Document {document_type, filing_date})-[:HAS_SECTION]->(:Section {name, filename, text, embedding})
//
// Every query runs in a read transaction. The pipeline never writes to
// the graph.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/algowizzzz/graphdb-agent-sec/metrics"
)

var (
	// ErrNotConnected is returned when the driver has not been created.
	ErrNotConnected = errors.New("graphstore: not connected")

	// ErrWriteQuery is returned when a query would modify the graph.
	ErrWriteQuery = errors.New("graphstore: query is not read-only")

	// ErrInvalidIdentifier is returned for labels or properties that are
	// not plain identifiers.
	ErrInvalidIdentifier = errors.New("graphstore: invalid identifier")
)

// Record is one result row keyed by column name.
type Record map[string]any

// Config configures the Neo4j connection.
type Config struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`

	MaxConnectionPoolSize int           `json:"max_connection_pool_size" yaml:"max_connection_pool_size"`
	ConnectTimeout        time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	// QueryTimeout bounds every Run call. Zero leaves only the caller's deadline.
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// Client executes parameterized Cypher against Neo4j.
type Client struct {
	cfg     Config
	driver  neo4j.DriverWithContext
	metrics *metrics.Metrics
}

// New creates a client. Connect must be called before use.
func New(cfg Config, m *metrics.Metrics) *Client {
	if cfg.MaxConnectionPoolSize == 0 {
		cfg.MaxConnectionPoolSize = 50
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, metrics: m}
}

// Connect creates the driver and verifies connectivity, retrying with
// exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	auth := neo4j.BasicAuth(c.cfg.Username, c.cfg.Password, "")
	configure := func(conf *neo4j.Config) {
		conf.MaxConnectionPoolSize = c.cfg.MaxConnectionPoolSize
		conf.ConnectionAcquisitionTimeout = c.cfg.ConnectTimeout
		conf.SocketConnectTimeout = c.cfg.ConnectTimeout
	}

	const attempts = 4
	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		driver, err := neo4j.NewDriverWithContext(c.cfg.URI, auth, configure)
		if err != nil {
			// A malformed URI will not improve with retries.
			return fmt.Errorf("graphstore: creating driver: %w", err)
		}
		if err = driver.VerifyConnectivity(ctx); err == nil {
			c.driver = driver
			slog.Info("graphstore: connected", "uri", c.cfg.URI, "database", c.cfg.Database)
			return nil
		}
		_ = driver.Close(ctx)
		lastErr = err

		slog.Warn("graphstore: connect failed", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return fmt.Errorf("graphstore: connect: %w", ctx.Err())
		}
	}
	return fmt.Errorf("graphstore: connect after %d attempts: %w", attempts, lastErr)
}

// Close releases the driver.
func (c *Client) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	err := c.driver.Close(ctx)
	c.driver = nil
	return err
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.driver == nil {
		return ErrNotConnected
	}
	return c.driver.VerifyConnectivity(ctx)
}

// Run executes cypher with params in a read transaction and returns all
// rows. Queries that fail CheckReadOnly are rejected before they are sent.
func (c *Client) Run(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	if c.driver == nil {
		return nil, ErrNotConnected
	}
	if err := CheckReadOnly(cypher); err != nil {
		return nil, err
	}
	if c.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.cfg.Database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return convertRecords(records), nil
	})
	c.metrics.GraphQuery(err)
	if err != nil {
		slog.WarnContext(ctx, "graphstore: query failed", "duration", time.Since(start), "error", err)
		return nil, fmt.Errorf("graphstore: run: %w", err)
	}

	rows := out.([]Record)
	slog.DebugContext(ctx, "graphstore: query", "rows", len(rows), "duration", time.Since(start))
	return rows, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DistinctValues returns every non-null value of label.prop. label and
// prop are interpolated, so both must be plain identifiers.
func (c *Client) DistinctValues(ctx context.Context, label, prop string) ([]any, error) {
	if !identRe.MatchString(label) || !identRe.MatchString(prop) {
		return nil, fmt.Errorf("%w: %s.%s", ErrInvalidIdentifier, label, prop)
	}
	cypher := fmt.Sprintf("MATCH (n:%s) WHERE n.%s IS NOT NULL RETURN DISTINCT n.%s AS value", label, prop, prop)
	rows, err := c.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, r["value"])
	}
	return values, nil
}

// Summary lists the distinct companies, years and quarters in the graph.
type Summary struct {
	Companies []string `json:"companies"`
	Years     []int    `json:"years"`
	Quarters  []string `json:"quarters"`
	DocTypes  []string `json:"doc_types"`
}

// Schema summarizes the graph's distinct entity values.
func (c *Client) Schema(ctx context.Context) (*Summary, error) {
	var s Summary
	var err error
	if s.Companies, err = c.distinctStrings(ctx, "Company", "name"); err != nil {
		return nil, err
	}
	if s.Quarters, err = c.distinctStrings(ctx, "Quarter", "label"); err != nil {
		return nil, err
	}
	if s.DocTypes, err = c.distinctStrings(ctx, "Document", "document_type"); err != nil {
		return nil, err
	}
	years, err := c.DistinctValues(ctx, "Year", "value")
	if err != nil {
		return nil, err
	}
	for _, y := range years {
		if n, ok := AsInt(y); ok {
			s.Years = append(s.Years, n)
		}
	}
	sort.Ints(s.Years)
	return &s, nil
}

func (c *Client) distinctStrings(ctx context.Context, label, prop string) ([]string, error) {
	values, err := c.DistinctValues(ctx, label, prop)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func convertRecords(records []*neo4j.Record) []Record {
	rows := make([]Record, 0, len(records))
	for _, rec := range records {
		row := make(Record, len(rec.Keys))
		for i, key := range rec.Keys {
			row[key] = convertValue(rec.Values[i])
		}
		rows = append(rows, row)
	}
	return rows
}

// convertValue flattens driver graph types into their property maps.
func convertValue(v any) any {
	switch t := v.(type) {
	case neo4j.Node:
		return t.Props
	case neo4j.Relationship:
		return t.Props
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = convertValue(e)
		}
		return out
	default:
		return v
	}
}
