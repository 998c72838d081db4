// Package testutils locates the backing services the integration tests run
// against.
package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
)

// PrepareDBConnectionString returns a connection string for the test database.
// POSTGRES_USER / POSTGRES_DB / POSTGRES_PASSWORD / POSTGRES_HOST take priority
// when set (CI); otherwise the local postgres install is used and wantDBName is
// recreated from scratch.
func PrepareDBConnectionString(wantDBName string) string {
	dbUser := os.Getenv("POSTGRES_USER")
	if dbUser == "" {
		dbUser = localUser()
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = recreateLocalDB(wantDBName)
	}
	connStr := fmt.Sprintf("user=%s dbname=%s sslmode=disable", dbUser, dbName)
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		connStr += " password=" + password
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		connStr += " host=" + host
	}
	return connStr
}

// recreateLocalDB drops and recreates the named database so every test run
// starts from an empty schema.
func recreateLocalDB(dbName string) string {
	fmt.Println("shipboard tests need a postgres install reachable by the current user")
	drop := exec.Command("dropdb", "-f", dbName)
	drop.Stdout = os.Stdout
	drop.Stderr = os.Stderr
	drop.Run() // the database may not exist yet
	create := exec.Command("createdb", dbName)
	create.Stdout = os.Stdout
	create.Stderr = os.Stderr
	if err := create.Run(); err != nil {
		fmt.Println("createdb failed:", err)
		os.Exit(2)
	}
	return dbName
}

func localUser() string {
	u, err := user.Current()
	if err != nil {
		fmt.Println("cannot determine the current user:", err)
		os.Exit(2)
	}
	return u.Username
}
