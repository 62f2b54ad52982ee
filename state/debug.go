package state

var (
	DBG_log_mle          bool
	DBG_log_frames       bool
	DBG_log_netdata      bool
	DBG_log_resolver     bool
	DBG_log_repo_updates bool
	DBG_trace            bool
	DBG_debug            bool
)
