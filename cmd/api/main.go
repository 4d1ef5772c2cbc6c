// cmd/api/main.go
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
)

func main() {
	catalogServiceURL, _ := url.Parse(getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"))
	lendingServiceURL, _ := url.Parse(getEnv("LENDING_SERVICE_URL", "http://localhost:8082"))
	identityServiceURL, _ := url.Parse(getEnv("IDENTITY_SERVICE_URL", "http://localhost:8083"))

	catalogProxy := httputil.NewSingleHostReverseProxy(catalogServiceURL)
	lendingProxy := httputil.NewSingleHostReverseProxy(lendingServiceURL)
	identityProxy := httputil.NewSingleHostReverseProxy(identityServiceURL)

	router := chi.NewRouter()
	router.Handle("/api/v1/catalog/*", http.StripPrefix("/api/v1/catalog", catalogProxy))
	router.Handle("/api/v1/lending/*", http.StripPrefix("/api/v1/lending", lendingProxy))
	router.Handle("/api/v1/identity/*", http.StripPrefix("/api/v1/identity", identityProxy))

	port := getEnv("PORT", "8080")
	log.Printf("API Gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, router))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
