package graphql

import (
	"net/http"

	"github.com/gin-gonic/gin"
	graphqlgo "github.com/graph-gophers/graphql-go"

	"github.com/TrainLCD/THQ/pkg/logging"
)

// Handler serves the /graphql endpoint: GET renders an interactive
// playground, POST executes queries.
type Handler struct {
	schema *graphqlgo.Schema
	logger logging.Logger
}

func NewHandler(schema *graphqlgo.Schema, logger logging.Logger) *Handler {
	return &Handler{
		schema: schema,
		logger: logger,
	}
}

type queryRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// HandleQuery executes a GraphQL request. Resolver errors are reported
// in the response body, not the HTTP status.
func (h *Handler) HandleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Warn("Rejected malformed GraphQL request")
		c.JSON(http.StatusBadRequest, gin.H{
			"errors": []gin.H{{"message": "invalid GraphQL request body"}},
		})
		return
	}

	response := h.schema.Exec(c.Request.Context(), req.Query, req.OperationName, req.Variables)
	c.JSON(http.StatusOK, response)
}

// HandlePlayground serves a GraphiQL page pointed at the query endpoint.
func (h *Handler) HandlePlayground(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(playgroundHTML))
}

const playgroundHTML = `<!DOCTYPE html>
<html>
<head>
	<title>THQ GraphQL</title>
	<link rel="stylesheet" href="https://unpkg.com/graphiql/graphiql.min.css" />
</head>
<body style="margin: 0;">
	<div id="graphiql" style="height: 100vh;"></div>
	<script crossorigin src="https://unpkg.com/react/umd/react.production.min.js"></script>
	<script crossorigin src="https://unpkg.com/react-dom/umd/react-dom.production.min.js"></script>
	<script crossorigin src="https://unpkg.com/graphiql/graphiql.min.js"></script>
	<script>
		ReactDOM.render(
			React.createElement(GraphiQL, {
				fetcher: GraphiQL.createFetcher({ url: '/graphql' }),
			}),
			document.getElementById('graphiql')
		);
	</script>
</body>
</html>
`
