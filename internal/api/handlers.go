package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"kgindex/internal/graph"
	"kgindex/internal/logger"
	"kgindex/internal/rebuild"
	"kgindex/internal/search"
	"kgindex/internal/store"
)

// DefaultTopK is used when a search omits top_k.
const DefaultTopK = 10

func message(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"message": msg})
}

func internalError(c echo.Context, msg string, err error) error {
	logger.Error(msg, "err", err)
	return message(c, http.StatusInternalServerError, "Internal server error")
}

func SearchHandler(c echo.Context) error {
	type searchParams struct {
		Query string `query:"q"`
		TopK  int    `query:"top_k" validate:"gt=0"`
	}

	params := &searchParams{TopK: DefaultTopK}
	if err := c.Bind(params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return message(c, http.StatusBadRequest, "top_k must be positive")
	}

	hits, err := appFrom(c).Store.Search(c.Request().Context(), params.Query, params.TopK)
	if errors.Is(err, search.ErrInvalidTopK) {
		return message(c, http.StatusBadRequest, "top_k must be positive")
	}
	if err != nil {
		return internalError(c, "Failed to search", err)
	}
	return c.JSON(http.StatusOK, hits)
}

func ListNodesHandler(c echo.Context) error {
	type listNodesParams struct {
		Type     string `query:"type" validate:"omitempty,oneof=Vulnerability Template DeepDive Integration VulnerableContract Pattern ProtocolVersion"`
		Severity string `query:"severity"`
	}

	params := new(listNodesParams)
	if err := c.Bind(params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return message(c, http.StatusBadRequest, "Unknown node type")
	}

	nodes, err := appFrom(c).Store.NodesByType(c.Request().Context(), graph.NodeType(params.Type), params.Severity)
	if err != nil {
		return internalError(c, "Failed to list nodes", err)
	}
	return c.JSON(http.StatusOK, nodes)
}

func GetNodeHandler(c echo.Context) error {
	type getNodeParams struct {
		ID string `param:"id" validate:"required"`
	}

	params := new(getNodeParams)
	if err := c.Bind(params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}

	node, err := appFrom(c).Store.GetNode(c.Request().Context(), params.ID)
	if errors.Is(err, store.ErrNotFound) {
		return message(c, http.StatusNotFound, "Node not found")
	}
	if err != nil {
		return internalError(c, "Failed to get node", err)
	}
	return c.JSON(http.StatusOK, node)
}

func GetRelatedHandler(c echo.Context) error {
	type getRelatedParams struct {
		ID        string `param:"id" validate:"required"`
		Type      string `query:"type" validate:"omitempty,oneof=DEMONSTRATES PAIRS_WITH PREVENTS EXPLAINS USES RELATES_TO SUPERSEDES"`
		Direction string `query:"direction" validate:"omitempty,oneof=out in both"`
	}

	params := new(getRelatedParams)
	if err := c.Bind(params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}
	dir, err := graph.ParseDirection(params.Direction)
	if err != nil {
		return message(c, http.StatusBadRequest, err.Error())
	}

	edges, err := appFrom(c).Store.GetRelated(c.Request().Context(), params.ID, graph.RelationshipType(params.Type), dir)
	if errors.Is(err, store.ErrNotFound) {
		return message(c, http.StatusNotFound, "Node not found")
	}
	if err != nil {
		return internalError(c, "Failed to get related edges", err)
	}
	return c.JSON(http.StatusOK, edges)
}

// graphDump is the whole committed graph as served by GetGraphHandler.
type graphDump struct {
	Version string       `json:"version,omitempty"`
	Nodes   []graph.Node `json:"nodes"`
	Edges   []graph.Edge `json:"edges"`
}

func GetGraphHandler(c echo.Context) error {
	s := appFrom(c).Store
	ctx := c.Request().Context()

	out := graphDump{Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	if v := s.Version(); v != nil {
		out.Version = v.Version
	}
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return internalError(c, "Failed to list nodes", err)
	}
	edges, err := s.Edges(ctx)
	if err != nil {
		return internalError(c, "Failed to list edges", err)
	}
	if nodes != nil {
		out.Nodes = nodes
	}
	if edges != nil {
		out.Edges = edges
	}
	return c.JSON(http.StatusOK, out)
}

func GetStatisticsHandler(c echo.Context) error {
	stats, err := appFrom(c).Store.Statistics(c.Request().Context())
	if err != nil {
		return internalError(c, "Failed to get statistics", err)
	}
	return c.JSON(http.StatusOK, stats)
}

func GetVersionHandler(c echo.Context) error {
	v := appFrom(c).Store.Version()
	if v == nil {
		return message(c, http.StatusNotFound, "No committed version")
	}
	return c.JSON(http.StatusOK, v)
}

func ListBackupsHandler(c echo.Context) error {
	backups, err := appFrom(c).Store.ListBackups()
	if err != nil {
		return internalError(c, "Failed to list backups", err)
	}
	if backups == nil {
		backups = []store.Backup{}
	}
	return c.JSON(http.StatusOK, backups)
}

func RebuildHandler(c echo.Context) error {
	type rebuildParams struct {
		Mode string `query:"mode" validate:"omitempty,oneof=full incremental"`
	}

	params := new(rebuildParams)
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, params); err != nil {
		return message(c, http.StatusBadRequest, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return message(c, http.StatusBadRequest, "mode must be full or incremental")
	}
	mode, err := rebuild.ParseMode(params.Mode)
	if err != nil {
		return message(c, http.StatusBadRequest, err.Error())
	}

	app := appFrom(c)
	if app.Controller == nil {
		return message(c, http.StatusServiceUnavailable, "Rebuilds are disabled")
	}
	if claims := c.(*AppContext).Claims; claims != nil {
		logger.Info("Rebuild requested", "subject", claims.Subject, "mode", mode)
	}
	res, err := app.Controller.Rebuild(c.Request().Context(), mode)
	if errors.Is(err, rebuild.ErrRebuildInProgress) {
		return message(c, http.StatusConflict, "Rebuild in progress")
	}
	var cerr *rebuild.CommitError
	if errors.As(err, &cerr) {
		logger.Error("Rebuild rolled back", "err", err)
		return c.JSON(http.StatusInternalServerError, res)
	}
	if err != nil {
		return internalError(c, "Failed to rebuild", err)
	}
	return c.JSON(http.StatusOK, res)
}
