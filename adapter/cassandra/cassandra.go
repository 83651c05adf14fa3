// Package cassandra implements adapter.Contract over a Cassandra/ScyllaDB keyspace: one table
// holding committed rows and one holding this process's staged, uncommitted writes, the same
// staged/committed split the in-memory adapter uses, but durable across a restart.
package cassandra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
	"github.com/polyq/kernel/encoding"
	"github.com/sethvargo/go-retry"
)

// Config describes how to reach the cluster and which keyspace/table back one entity.
type Config struct {
	ClusterHosts      []string
	Keyspace          string
	Table             string
	Consistency       gocql.Consistency
	ConnectionTimeout time.Duration
	ReplicationClause string
}

// Adapter serves one entity's rows out of a Cassandra table, with a sibling staging table
// named <table>_staged holding writes not yet committed.
type Adapter struct {
	name    string
	model   kernel.DataModel
	session *gocql.Session
	cfg     Config
}

// New opens a session to cfg.ClusterHosts, creates the keyspace and both tables if absent,
// and returns an Adapter for the named entity table.
func New(cfg Config, name string, model kernel.DataModel) (*Adapter, error) {
	if cfg.Keyspace == "" {
		cfg.Keyspace = "polyq"
	}
	if cfg.Consistency == gocql.Any {
		cfg.Consistency = gocql.LocalQuorum
	}
	if cfg.ReplicationClause == "" {
		cfg.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	cluster := gocql.NewCluster(cfg.ClusterHosts...)
	cluster.Consistency = cfg.Consistency
	if cfg.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectionTimeout
	}

	var session *gocql.Session
	err := kernel.Retry(context.Background(), func(context.Context) error {
		s, err := cluster.CreateSession()
		if err != nil {
			if kernel.ShouldRetry(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		session = s
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("cassandra: opening session: %w", err)
	}

	a := &Adapter{name: name, model: model, session: session, cfg: cfg}
	if err := a.createSchema(); err != nil {
		session.Close()
		return nil, err
	}
	return a, nil
}

// Factory adapts New to the adapter.Factory signature the adapter registry (C11) expects.
func Factory(ctx context.Context, config map[string]string) (adapter.Contract, error) {
	model := kernel.Relational
	switch config["model"] {
	case "document":
		model = kernel.Document
	case "graph":
		model = kernel.Graph
	}
	cfg := Config{
		ClusterHosts: strings.Split(config["hosts"], ","),
		Keyspace:     config["keyspace"],
		Table:        config["table"],
	}
	return New(cfg, config["name"], model)
}

func (a *Adapter) createSchema() error {
	stmts := []string{
		fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", a.cfg.Keyspace, a.cfg.ReplicationClause),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (eid bigint PRIMARY KEY, vid bigint, data text);", a.cfg.Keyspace, a.cfg.Table),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s_staged (txn_id bigint, eid bigint, tombstone boolean, data text, PRIMARY KEY(txn_id, eid));", a.cfg.Keyspace, a.cfg.Table),
	}
	for _, s := range stmts {
		if err := a.session.Query(s).Exec(); err != nil {
			return fmt.Errorf("cassandra: schema setup %q: %w", s, err)
		}
	}
	return nil
}

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Name:          a.name,
		Models:        []kernel.DataModel{a.model},
		SupportsTwoPC: true,
		SupportsMVCC:  true,
	}
}

func (a *Adapter) Scan(ctx context.Context, entity kernel.EntityInfo, opts adapter.ScanOptions, visit func(adapter.Row) error) error {
	committed := a.session.Query(fmt.Sprintf("SELECT eid, vid, data FROM %s.%s", a.cfg.Keyspace, a.cfg.Table)).WithContext(ctx).Iter()
	var eid, vid int64
	var data string
	for committed.Scan(&eid, &vid, &data) {
		row, err := decodeRow(data)
		if err != nil {
			committed.Close()
			return err
		}
		row["_eid"], row["_vid"] = eid, vid
		if !kernel.Vid(vid).VisibleTo(opts.ReaderTxnID, opts.Snapshot) {
			continue
		}
		if err := visit(row); err != nil {
			committed.Close()
			return err
		}
	}
	if err := committed.Close(); err != nil {
		return err
	}

	staged := a.session.Query(fmt.Sprintf("SELECT eid, tombstone, data FROM %s.%s_staged WHERE txn_id = ?", a.cfg.Keyspace, a.cfg.Table), opts.ReaderTxnID).WithContext(ctx).Iter()
	var tombstone bool
	for staged.Scan(&eid, &tombstone, &data) {
		if tombstone {
			continue
		}
		row, err := decodeRow(data)
		if err != nil {
			staged.Close()
			return err
		}
		row["_eid"] = eid
		row["_vid"] = kernel.StagedVid(opts.ReaderTxnID)
		if err := visit(row); err != nil {
			staged.Close()
			return err
		}
	}
	return staged.Close()
}

func (a *Adapter) Modify(ctx context.Context, entity kernel.EntityInfo, op adapter.ModifyOp) error {
	txnID, err := modifyTxnID(op)
	if err != nil {
		return err
	}
	insertStaged := fmt.Sprintf("INSERT INTO %s.%s_staged (txn_id, eid, tombstone, data) VALUES (?,?,?,?)", a.cfg.Keyspace, a.cfg.Table)

	switch op.Kind {
	case adapter.Insert:
		for _, row := range op.Rows {
			eid, _ := row["_eid"]
			data, err := encodeRow(row)
			if err != nil {
				return err
			}
			if err := a.session.Query(insertStaged, txnID, toInt64(eid), false, data).WithContext(ctx).Exec(); err != nil {
				return err
			}
		}
	case adapter.Update:
		for i, key := range op.Keys {
			eid := toInt64(key["_eid"])
			data, err := encodeRow(op.Rows[i])
			if err != nil {
				return err
			}
			if err := a.session.Query(insertStaged, txnID, eid, false, data).WithContext(ctx).Exec(); err != nil {
				return err
			}
		}
	case adapter.Delete:
		for _, key := range op.Keys {
			eid := toInt64(key["_eid"])
			if err := a.session.Query(insertStaged, txnID, eid, true, "").WithContext(ctx).Exec(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) Refresh(ctx context.Context, entity kernel.EntityInfo) error { return nil }

// Prepare is a no-op: the staged table already durably holds this transaction's writes.
func (a *Adapter) Prepare(ctx context.Context, txnID int64) error { return nil }

func (a *Adapter) Commit(ctx context.Context, txnID int64, commitInstant int64) error {
	iter := a.session.Query(fmt.Sprintf("SELECT eid, tombstone, data FROM %s.%s_staged WHERE txn_id = ?", a.cfg.Keyspace, a.cfg.Table), txnID).WithContext(ctx).Iter()
	var eid int64
	var tombstone bool
	var data string
	type staged struct {
		eid       int64
		tombstone bool
		data      string
	}
	var rows []staged
	for iter.Scan(&eid, &tombstone, &data) {
		rows = append(rows, staged{eid, tombstone, data})
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, s := range rows {
		if s.tombstone {
			if err := a.session.Query(fmt.Sprintf("DELETE FROM %s.%s WHERE eid = ?", a.cfg.Keyspace, a.cfg.Table), s.eid).WithContext(ctx).Exec(); err != nil {
				return err
			}
			continue
		}
		if err := a.session.Query(fmt.Sprintf("INSERT INTO %s.%s (eid, vid, data) VALUES (?,?,?)", a.cfg.Keyspace, a.cfg.Table), s.eid, commitInstant, s.data).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return a.clearStaged(ctx, txnID)
}

func (a *Adapter) Rollback(ctx context.Context, txnID int64) error {
	return a.clearStaged(ctx, txnID)
}

func (a *Adapter) clearStaged(ctx context.Context, txnID int64) error {
	iter := a.session.Query(fmt.Sprintf("SELECT eid FROM %s.%s_staged WHERE txn_id = ?", a.cfg.Keyspace, a.cfg.Table), txnID).WithContext(ctx).Iter()
	var eid int64
	var eids []int64
	for iter.Scan(&eid) {
		eids = append(eids, eid)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	for _, e := range eids {
		if err := a.session.Query(fmt.Sprintf("DELETE FROM %s.%s_staged WHERE txn_id = ? AND eid = ?", a.cfg.Keyspace, a.cfg.Table), txnID, e).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Close() {
	a.session.Close()
}

func encodeRow(row adapter.Row) (string, error) {
	b, err := encoding.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("cassandra: encoding row: %w", err)
	}
	return string(b), nil
}

func decodeRow(data string) (adapter.Row, error) {
	var row adapter.Row
	if err := encoding.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("cassandra: decoding row: %w", err)
	}
	return row, nil
}

func modifyTxnID(op adapter.ModifyOp) (int64, error) {
	rows := op.Rows
	if len(rows) == 0 {
		rows = op.Keys
	}
	for _, row := range rows {
		if vid, ok := row["_vid"]; ok {
			if txnID, staged := kernel.Vid(toInt64(vid)).IsStaged(); staged {
				return txnID, nil
			}
		}
	}
	return 0, fmt.Errorf("cassandra adapter: could not determine staging transaction from modify op")
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case kernel.Eid:
		return int64(n)
	case kernel.Vid:
		return int64(n)
	default:
		return 0
	}
}

var (
	_ adapter.Contract = (*Adapter)(nil)
	_ adapter.TwoPC    = (*Adapter)(nil)
)
