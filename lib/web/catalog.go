// Copyright 2022 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/session"
)

// Router builds the HTTP mux serving both the catalog surface (§6) and the
// framed websocket endpoint, in the handler-signature style of
// lib/web/servers.go: each handler returns (interface{}, error) and a thin
// wrapper JSON-encodes the result or an error frame.
func (gw *Gateway) Router() http.Handler {
	router := httprouter.New()

	router.GET("/health", gw.wrap(gw.health))
	router.GET("/api/terminals", gw.wrap(gw.listTerminals))
	router.GET("/api/kubectl-contexts", gw.wrap(gw.kubectlContexts))
	router.GET("/api/container-images", gw.wrap(gw.listImages))
	router.POST("/api/container-images", gw.wrap(gw.rememberImage))
	router.DELETE("/api/container-images/*image", gw.wrap(gw.forgetImage))
	router.GET("/api/ssh-sessions", gw.wrap(gw.listSSHSessions))
	router.GET(termgateway.WebSocketPath, gw.serveWS)

	return router
}

func (gw *Gateway) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	gw.ServeWS(w, r)
}

// handlerFunc is the shape every catalog handler implements.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// wrap adapts a handlerFunc to httprouter.Handle, JSON-encoding the result
// or a {"error": message} body with a 500 status on failure.
func (gw *Gateway) wrap(h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		result, err := h(w, r, p)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			gw.cfg.Log.WithError(err).Warn("Catalog request failed.")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(result)
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Terminals int    `json:"terminals"`
	Uptime    int64  `json:"uptime"`
}

func (gw *Gateway) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return healthResponse{
		Status:    "ok",
		Terminals: len(gw.cfg.LocalRegistry.List()),
		Uptime:    int64(gw.cfg.Clock.Now().Sub(gw.startedAt) / time.Second),
	}, nil
}

type terminalInfo struct {
	SessionID session.ID   `json:"sessionId"`
	Title     string       `json:"title"`
	Kind      session.Kind `json:"kind"`
}

func (gw *Gateway) listTerminals(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	infos := gw.cfg.LocalRegistry.List()
	out := make([]terminalInfo, len(infos))
	for i, info := range infos {
		out[i] = terminalInfo{SessionID: info.ID, Title: info.Title, Kind: info.Kind}
	}
	return out, nil
}

type contextsResponse struct {
	Contexts []string `json:"contexts"`
}

// kubectlContexts shells out to the cluster tool's context listing. An
// absent tool (no kubectl on PATH) yields an empty list, not an error
// (§6).
func (gw *Gateway) kubectlContexts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := exec.LookPath("kubectl"); err != nil {
		return contextsResponse{Contexts: []string{}}, nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "kubectl", "config", "get-contexts", "-o", "name").Output()
	if err != nil {
		return contextsResponse{Contexts: []string{}}, nil
	}
	var contexts []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			contexts = append(contexts, line)
		}
	}
	return contextsResponse{Contexts: contexts}, nil
}

type imagesResponse struct {
	Images []string `json:"images"`
}

func (gw *Gateway) listImages(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	images, err := gw.cfg.Store.Images()
	if err != nil {
		return nil, err
	}
	return imagesResponse{Images: images}, nil
}

type rememberImageRequest struct {
	Image string `json:"image"`
}

func (gw *Gateway) rememberImage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req rememberImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if err := gw.cfg.Store.RememberImage(req.Image); err != nil {
		return nil, err
	}
	images, err := gw.cfg.Store.Images()
	if err != nil {
		return nil, err
	}
	return imagesResponse{Images: images}, nil
}

func (gw *Gateway) forgetImage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	image := strings.TrimPrefix(p.ByName("image"), "/")
	if err := gw.cfg.Store.ForgetImage(image); err != nil {
		return nil, err
	}
	images, err := gw.cfg.Store.Images()
	if err != nil {
		return nil, err
	}
	return imagesResponse{Images: images}, nil
}

func (gw *Gateway) listSSHSessions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return gw.cfg.RemoteRegistry.List(), nil
}
