package worlddb

import (
	"context"
	"database/sql"
	"time"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
)

// connPool bounds the number of connections checked out of db. Acquire
// blocks while the pool is exhausted and gives up with ErrBusy after timeout.
type connPool struct {
	db      *sql.DB
	slots   chan struct{}
	timeout time.Duration
}

func newConnPool(db *sql.DB, size int, timeout time.Duration) *connPool {
	if size <= 0 {
		size = 1
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(0)
	return &connPool{db: db, slots: make(chan struct{}, size), timeout: timeout}
}

func (p *connPool) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return nil, nil, atlaserr.Busy("acquire world connection", nil)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.slots
		return nil, nil, atlaserr.FromSQLite("open world connection", err)
	}
	release := func() {
		_ = conn.Close()
		<-p.slots
	}
	return conn, release, nil
}

// with runs fn on a pooled connection held only for the duration of fn.
func (p *connPool) with(ctx context.Context, op string, fn func(*sql.Conn) error) error {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := fn(conn); err != nil {
		return atlaserr.FromSQLite(op, err)
	}
	return nil
}

// inUse reports how many connections are checked out.
func (p *connPool) inUse() int { return len(p.slots) }
