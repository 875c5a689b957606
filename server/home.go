package server

import (
	"html/template"
	"net/http"

	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/serving"
)

// homePage は /predict にフォームを送るだけの最小ページ
var homePage = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>scitrack</title></head>
<body>
<h1>scitrack prediction</h1>
{{if .Loaded}}<p>Serving {{.Info.ModelName}} ({{.Info.ModelType}}, {{.Info.Source}} {{.Info.RunID}}){{if .Info.NFeatures}}, {{.Info.NFeatures}} features{{end}}.</p>
{{else}}<p>No model is loaded.</p>
{{end}}<form method="post" action="/predict">
<label for="features">Features (comma separated)</label>
<input type="text" id="features" name="features" size="80">
<button type="submit">Predict</button>
</form>
</body>
</html>
`))

type homeData struct {
	Loaded bool
	Info   serving.ModelInfo
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	var data homeData
	if info, err := s.svc.Info(); err == nil {
		data = homeData{Loaded: true, Info: info}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homePage.Execute(w, data); err != nil {
		s.logger.Warn("render home page", log.ErrAttrKey, err)
	}
}
