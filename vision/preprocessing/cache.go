package preprocessing

// Cache stores decoded and resized images by key. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(key string) (*ProcessedImage, bool)
	Put(key string, img *ProcessedImage)
}
