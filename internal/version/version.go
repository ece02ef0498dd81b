package version

// Reported by GET /health
const Version = "0.3.0"
