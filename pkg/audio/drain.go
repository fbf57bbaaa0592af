package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine when the data is no longer wanted
// — e.g. the Audio channel of an interrupted [Segment].
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
