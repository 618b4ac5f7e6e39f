package config

// Repository holds the paths of the curated package repository: the git
// checkout the orchestrator manages and the destination directory built
// artifacts are published into.
type Repository struct {
	RepoDir string `yaml:"repodir"`
	DestDir string `yaml:"destdir"`
}

// Orchestrator holds the batch controller's own knobs.
type Orchestrator struct {
	Name              string `yaml:"name"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	GitPush           bool   `yaml:"git_push"`
	RebuildFailedPkgs bool   `yaml:"rebuild_failed_pkgs"`
	DBURL             string `yaml:"dburl"`
	Schema            string `yaml:"schema"`
	WorkerBackend     string `yaml:"worker_backend"`
	StateDir          string `yaml:"state_dir"`
	BindAddr          string `yaml:"bind_addr"`
}

// Misc holds the odds and ends: the pacman configuration handed to build
// workers and the argv lists run before and after a batch.
type Misc struct {
	PacmanConf string     `yaml:"pacman_conf"`
	Prerun     [][]string `yaml:"prerun"`
	Postrun    [][]string `yaml:"postrun"`
}

// NvChecker holds settings for reaching the external version checker:
// where it publishes its result index, where acknowledgements go, and the
// proxy forwarded to it.
type NvChecker struct {
	Proxy    string `yaml:"proxy"`
	IndexURL string `yaml:"index_url"`
	TakeURL  string `yaml:"take_url"`
}

// Queue holds the broker settings for the "queue" worker backend:
// request dispatches go out on RequestTopic, completions come back on
// ResultTopic.
type Queue struct {
	Brokers      []string `yaml:"brokers"`
	RequestTopic string   `yaml:"request_topic"`
	ResultTopic  string   `yaml:"result_topic"`
	GroupID      string   `yaml:"group_id"`
}

// Mail holds where error reports go and how they get there.
type Mail struct {
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
	ToOps    string `yaml:"to_ops"`
}

// Config represents the complete application configuration the
// orchestrator supports.
type Config struct {
	Repository   Repository        `yaml:"repository"`
	Orchestrator Orchestrator      `yaml:"lilac"`
	Misc         Misc              `yaml:"misc"`
	EnvVars      map[string]string `yaml:"envvars"`
	NvChecker    NvChecker         `yaml:"nvchecker"`
	Queue        Queue             `yaml:"queue"`
	Mail         Mail              `yaml:"mail"`
	RedisURL     string            `yaml:"redis_url"`
}
