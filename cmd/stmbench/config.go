package main

type config struct {
	regionSize   uint64
	regionAlign  uint64
	workers      int
	iterations   int
	conflictRate float64
	maxRetries   int
	metricsAddr  string
}

func defaultConfig() config {
	return config{
		regionSize:   1 << 20,
		regionAlign:  8,
		workers:      8,
		iterations:   1000,
		conflictRate: 0.1,
		maxRetries:   10,
		metricsAddr:  "",
	}
}
