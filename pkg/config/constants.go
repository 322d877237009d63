package config

const (
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "QUICKMART_DB_DSN"
	EnvDBHost = "QUICKMART_DB_HOST"
	EnvDBUser = "QUICKMART_DB_USER"
	EnvDBName = "QUICKMART_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
