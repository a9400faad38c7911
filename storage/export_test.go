package storage

func BindForTest(q string) string {
	return postgresDialect.bind(q)
}
