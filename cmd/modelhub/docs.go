package main

// General API documentation for swaggo. Generate with
// `swag init -g cmd/modelhub/docs.go -o docs` and build with -tags=swagger.
//
// @title           modelhub API
// @version         1.0
// @description     Routes generation and embedding requests across local models that share one GPU memory budget.
// @description     Server models are loaded and evicted on demand; container models are always resident.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
