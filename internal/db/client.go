package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
)

// Config holds database configuration. MySQL DSNs need parseTime=true.
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

// Client persists run reports and stream events.
type Client struct {
	db      *sqlx.DB
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger

	writeQueue chan writeRequest
	workers    int
	stopOnce   sync.Once
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

type writeRequest struct {
	report   models.Report
	runErr   error
	callback func(error)
}

// Open connects using cfg, verifies the connection and starts the async write workers.
func Open(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL:
	case DriverSQLite:
		// a second connection to :memory: would see an empty database
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	default:
		return nil, models.NewErrorf(models.KindConfiguration, "db.open", "unsupported driver %q", cfg.Driver)
	}

	dbx, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	dbx.SetMaxOpenConns(cfg.MaxConnections)
	dbx.SetMaxIdleConns(cfg.IdleConnections)
	dbx.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(ctx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := NewClient(dbx, cfg, logger)
	logger.Info("Database client initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", c.workers),
	)
	return c, nil
}

// NewClient wraps an existing connection. Tests use it with sqlmock.
func NewClient(dbx *sqlx.DB, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	c := &Client{
		db:         dbx,
		breaker:    circuitbreaker.New("database", circuitbreaker.DatabaseConfig(), logger),
		logger:     logger,
		writeQueue: make(chan writeRequest, cfg.QueueSize),
		workers:    cfg.Workers,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// DB returns the underlying connection.
func (c *Client) DB() *sqlx.DB { return c.db }

// Ping reports whether the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.SaveReport(ctx, req.report, req.runErr)
	if err != nil {
		c.logger.Error("Failed to persist report",
			zap.String("run_id", req.report.RunID),
			zap.Error(err),
		)
	}
	if req.callback != nil {
		req.callback(err)
	}
}

func (c *Client) drainQueue() {
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		default:
			return
		}
	}
}

// QueueReport persists rep asynchronously. It never blocks; a full queue is reported to callback.
func (c *Client) QueueReport(rep models.Report, runErr error, callback func(error)) error {
	req := writeRequest{report: rep, runErr: runErr, callback: callback}
	select {
	case <-c.stopCh:
		return fmt.Errorf("database client is closed")
	default:
	}
	select {
	case c.writeQueue <- req:
		return nil
	default:
		err := fmt.Errorf("write queue is full")
		if callback != nil {
			callback(err)
		}
		return err
	}
}

// Close stops the workers after draining queued writes and closes the connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
	return c.db.Close()
}

func (c *Client) exec(ctx context.Context, query string, args ...any) error {
	return c.breaker.Execute(ctx, func() error {
		_, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...)
		return err
	})
}
