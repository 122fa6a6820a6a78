package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	AddInput(c *gin.Context)
	SetInputOptions(c *gin.Context)
	RemoveInput(c *gin.Context)
	AddOutput(c *gin.Context)
	SetOutputOptions(c *gin.Context)
	RemoveOutput(c *gin.Context)
	SetOptions(c *gin.Context)
	GetStats(c *gin.Context)
}
