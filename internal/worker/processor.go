// Package worker consumes pipeline events from Redis Streams and drives
// the document stages, one consumer loop per stream.
package worker

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noteloom/noteloom/internal/pipeline"
	"github.com/noteloom/noteloom/internal/queue/streams"
)

const (
	// GroupName is the consumer group shared by all worker replicas.
	GroupName = "noteloom-workers"

	readBlock  = 5 * time.Second
	readCount  = 16
	claimIdle  = 5 * time.Minute
	claimEvery = time.Minute
)

// Processor drives the three pipeline stages by consuming their streams.
type Processor struct {
	logger       *log.Logger
	consumer     *streams.Consumer
	pipe         *pipeline.Pipeline
	stageTimeout time.Duration
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, cons *streams.Consumer, pipe *pipeline.Pipeline, stageTimeout time.Duration) *Processor {
	return &Processor{logger: logger, consumer: cons, pipe: pipe, stageTimeout: stageTimeout}
}

// stageFor maps a stream to the pipeline stage it feeds.
func (p *Processor) stageFor(stream string) func(context.Context, streams.DocumentEvent) error {
	switch stream {
	case streams.StreamIngest:
		return p.pipe.Ingest
	case streams.StreamSummarize:
		return p.pipe.Summarize
	case streams.StreamSynthesize:
		return p.pipe.Synthesize
	default:
		return nil
	}
}

// Start blocks, consuming all pipeline streams until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting")
	g, gctx := errgroup.WithContext(ctx)
	for _, stream := range []string{streams.StreamIngest, streams.StreamSummarize, streams.StreamSynthesize} {
		stream := stream
		g.Go(func() error { return p.consumeLoop(gctx, stream) })
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (p *Processor) consumeLoop(ctx context.Context, stream string) error {
	stage := p.stageFor(stream)
	lastClaim := time.Now()
	claimStart := "0-0"

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("consumer stopping stream=%s: %v", stream, ctx.Err())
			return ctx.Err()
		default:
		}

		msgs, err := p.consumer.Read(ctx, stream, streams.WithBlock(readBlock), streams.WithCount(readCount))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream %s: %v", stream, err)
			time.Sleep(time.Second)
			continue
		}

		// Periodically pick up messages abandoned by dead consumers.
		if time.Since(lastClaim) >= claimEvery {
			claimed, next, err := p.consumer.AutoClaim(ctx, stream, claimIdle, claimStart, readCount)
			if err != nil {
				p.logger.Printf("autoclaim stream %s: %v", stream, err)
			} else {
				claimStart = next
				msgs = append(msgs, claimed...)
			}
			lastClaim = time.Now()
		}

		for _, msg := range msgs {
			p.handle(ctx, stream, stage, msg)
		}
	}
}

// handle runs one stage under the stage timeout and always acks: stage
// failures mark the document failed rather than redelivering forever.
func (p *Processor) handle(ctx context.Context, stream string, stage func(context.Context, streams.DocumentEvent) error, msg streams.Message) {
	ev, err := msg.Envelope.DecodeDocumentEvent()
	if err != nil {
		p.logger.Printf("drop malformed event %s on %s: %v", msg.Envelope.EventID, stream, err)
	} else {
		stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
		if err := stage(stageCtx, ev); err != nil {
			p.logger.Printf("stage %s document=%s: %v", stream, ev.DocumentID, err)
		}
		cancel()
	}
	if err := p.consumer.Ack(ctx, stream, msg.ID); err != nil {
		p.logger.Printf("ack %s on %s: %v", msg.ID, stream, err)
	}
}
