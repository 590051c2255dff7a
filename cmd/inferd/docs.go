package main

// General API documentation for swaggo. Run `swag init -g cmd/inferd/main.go`
// to generate docs.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for loading a local LLM and generating text.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
