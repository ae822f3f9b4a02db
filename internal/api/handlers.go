package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"

	"crowd-flow/internal/crowd"
	"crowd-flow/internal/flowfield"
	"crowd-flow/internal/terrain"

	"gopkg.in/yaml.v3"
)

// maxBodyBytes bounds command request bodies (terrain uploads included).
const maxBodyBytes = 1 << 20

// Handler methods for routerHandlers
// These are used by both the standalone router (for testing) and the full Server.

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	// Copy first so encoding never holds a snapshot slot
	writeJSON(w, h.engine.Snapshot())
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Stats())
}

// fieldInfo describes the published field generation.
type fieldInfo struct {
	Width    int                  `json:"width"`
	Height   int                  `json:"height"`
	CellSize float64              `json:"cellSize"`
	Origin   flowfield.Vec3       `json:"origin"`
	Version  uint64               `json:"version"`
	HasCost  bool                 `json:"hasCost"`
	Goal     *flowfield.Coord     `json:"goal,omitempty"`
	Stats    flowfield.FieldStats `json:"stats"`
}

func (h *routerHandlers) handleGetField(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Field().Snapshot()

	info := fieldInfo{
		Width:    snap.Grid.Width,
		Height:   snap.Grid.Height,
		CellSize: snap.Grid.CellSize,
		Origin:   snap.Grid.Origin,
		Version:  snap.Version,
		HasCost:  snap.HasCost,
		Stats:    snap.Stats(),
	}
	if snap.HasGoal {
		goal := snap.Goal
		info.Goal = &goal
	}
	writeJSON(w, info)
}

// flowLookup is the answer to a world-point flow query.
type flowLookup struct {
	Cell      flowfield.Coord `json:"cell"`
	InBounds  bool            `json:"inBounds"`
	HasFlow   bool            `json:"hasFlow"`
	Direction *uint8          `json:"direction,omitempty"`
	FlowX     float64         `json:"flowX"`
	FlowZ     float64         `json:"flowZ"`
	Distance  *int16          `json:"distance,omitempty"`
	Version   uint64          `json:"version"`
}

func (h *routerHandlers) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	x, errX := parseCoordParam(r, "x", true)
	z, errZ := parseCoordParam(r, "z", true)
	y, errY := parseCoordParam(r, "y", false)
	if err := errors.Join(errX, errZ, errY); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// One snapshot answers the whole query
	snap := h.engine.Field().Snapshot()
	c := snap.WorldToGrid(flowfield.Vec3{X: x, Y: y, Z: z})

	out := flowLookup{
		Cell:     c,
		InBounds: snap.Grid.InBounds(c),
		Version:  snap.Version,
	}
	if v, ok := snap.FlowVector(c); ok {
		dir, _ := snap.FlowDirection(c)
		out.HasFlow = true
		out.Direction = &dir
		out.FlowX, out.FlowZ = v.X, v.Y
	}
	if d, ok := snap.IntegrationAt(c); ok {
		out.Distance = &d
	}
	writeJSON(w, out)
}

func (h *routerHandlers) handleExportField(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Field().Snapshot()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="field.ffld"`)
	w.Header().Set("X-Field-Version", strconv.FormatUint(snap.Version, 10))
	if _, err := snap.WriteTo(w); err != nil {
		// Headers are gone by now; the client sees a truncated body
		log.Printf("⚠️ Field export failed: %v", err)
	}
}

type goalRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (h *routerHandlers) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	goal := flowfield.Vec3{X: req.X, Y: req.Y, Z: req.Z}
	if !finite(goal.X, goal.Y, goal.Z) {
		writeError(w, "Goal must be finite", http.StatusBadRequest)
		return
	}

	// Bounds are checked here so the caller learns about an obviously bad
	// goal; the tick loop still rejects it if the grid changes meanwhile.
	c := h.engine.Field().WorldToGrid(goal)
	if !h.engine.Field().Grid().InBounds(c) {
		writeError(w, "Goal outside grid", http.StatusUnprocessableEntity)
		return
	}

	h.enqueue(w, crowd.GoalCommand(goal), map[string]interface{}{
		"cellX": c.X,
		"cellY": c.Y,
	})
}

type spawnRequest struct {
	Count       int     `json:"count"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Orientation float64 `json:"orientation"`
}

func (h *routerHandlers) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		writeError(w, "Count must be positive", http.StatusBadRequest)
		return
	}
	if !finite(req.X, req.Y, req.Z, req.Orientation) {
		writeError(w, "Position must be finite", http.StatusBadRequest)
		return
	}

	count := req.Count
	if count > h.maxSpawn {
		count = h.maxSpawn // Cap
	}

	pos := flowfield.Vec3{X: req.X, Y: req.Y, Z: req.Z}
	h.enqueue(w, crowd.SpawnCommand(count, pos, req.Orientation), map[string]interface{}{
		"count":     count,
		"requested": req.Count,
	})
}

// rebuildRequest optionally replaces the terrain. Accepted as JSON or YAML.
type rebuildRequest struct {
	Regions []terrain.Region `yaml:"regions" json:"regions"`
}

func (h *routerHandlers) handleRebuild(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// An empty body re-samples the current terrain.
	var oracle flowfield.Oracle
	if len(body) > 0 {
		var req rebuildRequest
		// yaml.v3 also reads JSON documents
		if err := yaml.Unmarshal(body, &req); err != nil {
			writeError(w, "Invalid terrain document", http.StatusBadRequest)
			return
		}
		if len(req.Regions) > 0 {
			po, err := terrain.NewPolygonOracle(req.Regions)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			oracle = po
		}
	}

	h.enqueue(w, crowd.RebuildCommand(oracle), map[string]interface{}{
		"replaceTerrain": oracle != nil,
	})
}

// enqueue answers 202 with extra fields, or 503 when the queue is full.
func (h *routerHandlers) enqueue(w http.ResponseWriter, cmd crowd.Command, extra map[string]interface{}) {
	if !h.engine.Enqueue(cmd) {
		RecordCommandRejected(cmd.Kind.String())
		w.Header().Set("Retry-After", "1")
		writeError(w, "Command queue full", http.StatusServiceUnavailable)
		return
	}

	resp := map[string]interface{}{
		"queued":  true,
		"command": cmd.Kind.String(),
	}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSONStatus(w, http.StatusAccepted, resp)
}

func parseCoordParam(r *http.Request, name string, required bool) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if required {
			return 0, errors.New("missing query parameter " + name)
		}
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || !finite(v) {
		return 0, errors.New("invalid query parameter " + name)
	}
	return v, nil
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Helper functions (package-level for reuse)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
