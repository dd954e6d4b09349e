package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

type Config struct {
	Hosts       []string
	Keyspace    string
	Timeout     time.Duration
	Retries     int
	ConnectWait time.Duration
}

func NewConfig(host string, port string) *Config {
	return &Config{
		Hosts:       []string{host + ":" + port},
		Keyspace:    "leadgen",
		Timeout:     time.Second * 30,
		Retries:     5,
		ConnectWait: time.Second * 10,
	}
}

func (c *Config) WithKeyspace(keyspace string) *Config {
	c.Keyspace = keyspace
	return c
}

// QueryExecutor is the slice of a gocql session the sink needs. Tests
// substitute a fake.
type QueryExecutor interface {
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	Close()
}

type gocqlExecutor struct {
	session *gocql.Session
}

func (g *gocqlExecutor) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return g.session.Query(stmt, args...).WithContext(ctx).Exec()
}

func (g *gocqlExecutor) Close() {
	g.session.Close()
}

// CassandraSink persists task records and campaign summaries to Cassandra.
type CassandraSink struct {
	exec     QueryExecutor
	keyspace string
	logger   logging.Logger
}

var _ Sink = (*CassandraSink)(nil)

// NewCassandraSink connects to the cluster and ensures the schema exists.
func NewCassandraSink(cfg *Config, logger logging.Logger) (*CassandraSink, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: cfg.Retries}
	cluster.ConnectTimeout = cfg.ConnectWait
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cassandra: %w", err)
	}

	s := &CassandraSink{
		exec:     &gocqlExecutor{session: session},
		keyspace: cfg.Keyspace,
		logger:   logger,
	}
	if err := s.initSchema(); err != nil {
		s.exec.Close()
		return nil, fmt.Errorf("failed to initialize sink schema: %w", err)
	}
	logger.Info("cassandra sink connected", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return s, nil
}

// NewCassandraSinkWithExecutor wires a sink over an existing executor.
func NewCassandraSinkWithExecutor(exec QueryExecutor, keyspace string, logger logging.Logger) *CassandraSink {
	return &CassandraSink{exec: exec, keyspace: keyspace, logger: logger}
}

func (s *CassandraSink) initSchema() error {
	ctx := context.Background()
	if err := s.exec.Exec(ctx, fmt.Sprintf(`
		CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {
			'class': 'SimpleStrategy',
			'replication_factor': 1
		}`, s.keyspace)); err != nil {
		return err
	}
	if err := s.exec.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.task_results (
			campaign_id text,
			task_id text,
			task_type text,
			state text,
			attempts int,
			error text,
			result text,
			from_cache boolean,
			duration_ms bigint,
			finished_at timestamp,
			PRIMARY KEY (campaign_id, task_id)
		)`, s.keyspace)); err != nil {
		return err
	}
	return s.exec.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.campaign_summaries (
			campaign_id text PRIMARY KEY,
			name text,
			total int,
			succeeded int,
			failed int,
			blocked int,
			success_rate double,
			started_at timestamp,
			finished_at timestamp
		)`, s.keyspace))
}

func (s *CassandraSink) SaveResult(ctx context.Context, rec TaskRecord) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s.task_results (
			campaign_id, task_id, task_type, state, attempts,
			error, result, from_cache, duration_ms, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.keyspace)
	if err := s.exec.Exec(ctx, stmt,
		rec.CampaignID, rec.TaskID, rec.Type, rec.State, rec.Attempts,
		rec.Error, rec.Result, rec.FromCache, rec.Duration.Milliseconds(), rec.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to save task result %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *CassandraSink) SaveSummary(ctx context.Context, sum CampaignSummary) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s.campaign_summaries (
			campaign_id, name, total, succeeded, failed, blocked,
			success_rate, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.keyspace)
	if err := s.exec.Exec(ctx, stmt,
		sum.CampaignID, sum.Name, sum.Total, sum.Succeeded, sum.Failed, sum.Blocked,
		sum.SuccessRate, sum.StartedAt, sum.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to save campaign summary %s: %w", sum.CampaignID, err)
	}
	return nil
}

func (s *CassandraSink) Close() {
	s.exec.Close()
}
