package constant

const (
	AuditStreamName       = "trading_audit"
	AuditStreamSubjectAll = "trading_audit.>"

	AuditSubjectOrder  = "trading_audit.order"
	AuditSubjectRisk   = "trading_audit.risk"
	AuditSubjectBot    = "trading_audit.bot"
	AuditSubjectSignal = "trading_audit.signal"
)
