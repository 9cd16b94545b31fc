package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the error envelope of the HTTP surface.
type Body struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
}

// OK sends a 200 JSON response with data as the body.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Text sends a 200 plain text response.
func Text(c *gin.Context, body string) {
	c.String(http.StatusOK, body)
}

// NotFound sends 404 listing the endpoints that do exist.
func NotFound(c *gin.Context, err string, endpoints []string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err, Endpoints: endpoints})
}
