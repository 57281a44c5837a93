package main

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"
)

const opCallTimeout = 10 * time.Second

// MailboxOp is one best-effort side effect against the mail gateway: flag an
// email, mark a batch read, set categories. Ops are queued fire-and-forget;
// failures land in the op_log table instead of aborting the pipeline that
// queued them.
type MailboxOp struct {
	Tool   string
	Args   map[string]any
	Detail string
}

type OpQueue struct {
	client *MCPClient
	db     *sql.DB
	ops    chan MailboxOp
	wg     sync.WaitGroup
	once   sync.Once
}

func NewOpQueue(client *MCPClient, db *sql.DB, buffer int) *OpQueue {
	if buffer < 1 {
		buffer = 64
	}
	return &OpQueue{
		client: client,
		db:     db,
		ops:    make(chan MailboxOp, buffer),
	}
}

func (q *OpQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for op := range q.ops {
			q.execute(op)
		}
	}()
}

// Enqueue never blocks. A full queue drops the op and records the drop,
// since these operations are advisory.
func (q *OpQueue) Enqueue(op MailboxOp) bool {
	select {
	case q.ops <- op:
		return true
	default:
		log.Printf("op queue full, dropped tool=%s detail=%s", op.Tool, op.Detail)
		q.logFailure(op, "queue full, op dropped")
		return false
	}
}

// Close drains the queue and stops the worker.
func (q *OpQueue) Close() {
	q.once.Do(func() { close(q.ops) })
	q.wg.Wait()
}

func (q *OpQueue) execute(op MailboxOp) {
	ctx, cancel := context.WithTimeout(context.Background(), opCallTimeout)
	defer cancel()

	if _, err := q.client.CallTool(ctx, op.Tool, op.Args); err != nil {
		log.Printf("background op failed tool=%s detail=%s err=%v", op.Tool, op.Detail, err)
		q.logFailure(op, err.Error())
		return
	}
	log.Printf("background op done tool=%s detail=%s", op.Tool, op.Detail)
}

func (q *OpQueue) logFailure(op MailboxOp, msg string) {
	if q.db == nil {
		return
	}
	if err := InsertOpFailure(q.db, op.Tool, op.Detail, msg); err != nil {
		log.Printf("recording op failure: %v", err)
	}
}
