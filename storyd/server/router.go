package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.MiddlewareLogger)
	r.Get("/version", s.HandlerVersion)
	r.Get("/task/workflow", s.HandlerWorkflows)
	r.Get("/ws", s.HandlerGateway)

	r.Group(func(r chi.Router) {
		r.Use(s.MiddlewareAuth)
		r.Post("/task/new", s.HandlerCreateTask)
		r.Get("/task/mytasks", s.HandlerListTasks)
		r.Get("/task/{id}/progress", s.HandlerProgress)
		r.Post("/task/{id}/execute/{segment}", s.HandlerExecute)
		r.Get("/task/{id}/resource", s.HandlerListResources)
		r.Delete("/task/{id}", s.HandlerDeleteTask)
		r.Get("/resource", s.HandlerDownload)
	})
	return r
}
