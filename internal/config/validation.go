package config

import "fmt"

// Validate checks the configuration for out-of-range or inconsistent values.
// It fails fast: Load refuses to return a configuration that cannot run.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.VectorBackend {
	case VectorQdrant, VectorPGVector, VectorMemory:
	default:
		return fmt.Errorf("%w: %q (must be qdrant, pgvector, or memory)",
			ErrInvalidVectorBackend, c.VectorBackend)
	}

	if c.VectorBackend == VectorPGVector {
		if c.PostgresHost == "" || c.PostgresDBName == "" || c.PostgresUser == "" {
			return fmt.Errorf("%w: host, user, and db_name are required", ErrInvalidPostgres)
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgres, c.PostgresPort)
		}
	}

	switch c.EmbeddingProvider {
	case EmbeddingGemini, EmbeddingOpenAI:
	default:
		return fmt.Errorf("%w: %q (must be gemini or openai)",
			ErrInvalidEmbeddingProvider, c.EmbeddingProvider)
	}

	if c.EmbeddingModel == "" {
		return ErrInvalidEmbeddingModel
	}

	if c.EmbeddingBatchSize < 1 || c.EmbeddingBatchSize > 2048 {
		return fmt.Errorf("%w: embedding_batch_size %d out of range [1, 2048]",
			ErrInvalidChunking, c.EmbeddingBatchSize)
	}
	if c.EmbeddingMaxInFlight < 1 || c.EmbeddingMaxInFlight > 64 {
		return fmt.Errorf("%w: embedding_max_in_flight %d out of range [1, 64]",
			ErrInvalidChunking, c.EmbeddingMaxInFlight)
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPS <= 0 {
			return fmt.Errorf("%w: rate_limit_rps must be positive, got %v",
				ErrInvalidRateLimit, c.RateLimitRPS)
		}
		if c.RateLimitBurst < 1 {
			return fmt.Errorf("%w: rate_limit_burst must be at least 1, got %d",
				ErrInvalidRateLimit, c.RateLimitBurst)
		}
	}

	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: top_k %d out of range [1, 100]", ErrInvalidChunking, c.TopK)
	}

	if c.FragmentSize < 1 {
		return fmt.Errorf("%w: fragment_size must be positive", ErrInvalidChunking)
	}
	if c.FragmentMin < 1 || c.FragmentMin > c.FragmentSize {
		return fmt.Errorf("%w: fragment_min must be in [1, fragment_size]", ErrInvalidChunking)
	}
	if c.FragmentOverlap < 0 || c.FragmentOverlap >= c.FragmentSize {
		return fmt.Errorf("%w: fragment_overlap must be in [0, fragment_size)", ErrInvalidChunking)
	}
	if c.SectionWindow < c.FragmentSize {
		return fmt.Errorf("%w: section_window must be at least fragment_size", ErrInvalidChunking)
	}

	if c.IngestWorkers < 1 || c.IngestWorkers > 256 {
		return fmt.Errorf("%w: %d out of range [1, 256]", ErrInvalidWorkers, c.IngestWorkers)
	}

	switch c.StorageProvider {
	case StorageLocal, StorageS3:
	default:
		return fmt.Errorf("%w: %q (must be local or s3)",
			ErrInvalidStorageProvider, c.StorageProvider)
	}
	if c.StorageProvider == StorageS3 && (c.S3Endpoint == "" || c.S3Bucket == "") {
		return fmt.Errorf("%w: s3_endpoint and s3_bucket are required", ErrInvalidStorageProvider)
	}

	return nil
}
