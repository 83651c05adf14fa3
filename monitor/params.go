package monitor

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/polyq/kernel"
)

// nsParam reads the "ns" query parameter, defaulting to namespace 1 when absent or malformed.
func nsParam(c *gin.Context) kernel.NamespaceID {
	v := c.Query("ns")
	if v == "" {
		return kernel.NamespaceID(1)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return kernel.NamespaceID(1)
	}
	return kernel.NamespaceID(n)
}
