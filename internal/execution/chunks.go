package execution

import "context"

type chunkSinkKey struct{}

// ChunkSink receives partial output while an attempt is streaming
type ChunkSink func(content string)

// WithChunkSink attaches a sink that streaming executors feed
func WithChunkSink(ctx context.Context, sink ChunkSink) context.Context {
	return context.WithValue(ctx, chunkSinkKey{}, sink)
}

// ChunkSinkFrom returns the sink on ctx, or nil
func ChunkSinkFrom(ctx context.Context) ChunkSink {
	sink, _ := ctx.Value(chunkSinkKey{}).(ChunkSink)
	return sink
}
