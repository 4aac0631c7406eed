package dbosruntime

// Config holds DBOS runtime configuration
type Config struct {
	// DatabaseURL is the Postgres connection string shared by DBOS system
	// tables, the chunk tracker and the content repository. Required.
	DatabaseURL string

	// AppName isolates this deployment's workflows. Required.
	AppName string

	// QueueName is the workflow queue every bus delivery runs on.
	// Defaults to "default".
	QueueName string

	// Concurrency bounds concurrent deliveries per process. Defaults to 4.
	Concurrency int

	// ApplicationVersion overrides the binary hash so that workers built
	// separately can recover each other's deliveries
	ApplicationVersion string

	// PublishOnly enqueues deliveries without consuming the queue. Used by
	// producers that hand chunks to a separate worker fleet.
	PublishOnly bool
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}
