package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	generatedDockerfile = ".launchpad.Dockerfile"
	buildScriptPath     = ".launchpad/build.sh"
)

// BuildpackStrategy detects the project runtime and builds it from a
// generated Dockerfile.
type BuildpackStrategy struct {
	images ImageBuilder
}

// NewBuildpackStrategy constructs a BuildpackStrategy.
func NewBuildpackStrategy(images ImageBuilder) *BuildpackStrategy {
	return &BuildpackStrategy{images: images}
}

// Name implements Strategy.
func (s *BuildpackStrategy) Name() string { return SourceBuildpack }

// Detect reports whether a recognised manifest or source file is present.
func (s *BuildpackStrategy) Detect(contextPath string) bool {
	if contextPath == "" {
		return false
	}
	return detectProjectType(contextPath) != TypeUnknown
}

// Build implements Strategy.
func (s *BuildpackStrategy) Build(ctx context.Context, opts Options) Result {
	started := time.Now()
	logs := NewLogs(nil)
	if opts.ContextPath == "" {
		return failed(s.Name(), logs, started, fmt.Errorf("build context is required"))
	}
	if info, err := os.Stat(opts.ContextPath); err != nil || !info.IsDir() {
		return failed(s.Name(), logs, started, fmt.Errorf("build context not found: %s", opts.ContextPath))
	}

	typ := detectProjectType(opts.ContextPath)
	includeScript := strings.TrimSpace(opts.BuildCommand) != ""
	content, err := renderDockerfile(opts.ContextPath, typ, includeScript)
	if err != nil {
		return failed(s.Name(), logs, started, err)
	}
	logs.Add(fmt.Sprintf("Detected %s project, generating Dockerfile", typ))

	cleanup, err := writeGenerated(opts.ContextPath, content, opts.BuildCommand)
	if err != nil {
		return failed(s.Name(), logs, started, err)
	}
	defer cleanup()

	return buildAndInspect(ctx, s.images, s.Name(), opts, generatedDockerfile, logs, started)
}

func writeGenerated(dir, dockerfile, buildCommand string) (func(), error) {
	dockerfilePath := filepath.Join(dir, generatedDockerfile)
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0o644); err != nil {
		return nil, fmt.Errorf("write dockerfile: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(dockerfilePath)
		_ = os.RemoveAll(filepath.Join(dir, filepath.Dir(buildScriptPath)))
	}
	if strings.TrimSpace(buildCommand) == "" {
		return cleanup, nil
	}
	if err := os.MkdirAll(filepath.Join(dir, filepath.Dir(buildScriptPath)), 0o755); err != nil {
		cleanup()
		return nil, fmt.Errorf("create build script dir: %w", err)
	}
	script := "#!/usr/bin/env bash\nset -euo pipefail\n\n" + buildCommand + "\n"
	if err := os.WriteFile(filepath.Join(dir, buildScriptPath), []byte(script), 0o755); err != nil {
		cleanup()
		return nil, fmt.Errorf("write build script: %w", err)
	}
	return cleanup, nil
}

func renderDockerfile(dir, typ string, includeScript bool) (string, error) {
	switch typ {
	case TypeNode:
		manifest, _ := loadPackageManifest(dir)
		return renderNodeDockerfile(detectNodePackageManager(dir, manifest), isNextManifest(manifest), includeScript), nil
	case TypePython:
		return renderPythonDockerfile(dir, includeScript), nil
	case TypeGo:
		return renderGoDockerfile(includeScript), nil
	case TypeRust:
		return renderRustDockerfile(includeScript), nil
	case TypeJava:
		return renderJavaDockerfile(usesGradle(dir), includeScript), nil
	case TypePHP:
		return renderPHPDockerfile(includeScript), nil
	case TypeDotnet:
		return renderDotnetDockerfile(includeScript), nil
	case TypeRuby:
		return renderRubyDockerfile(includeScript), nil
	case TypeStatic:
		return renderStaticDockerfile(), nil
	default:
		return "", fmt.Errorf("unable to determine project runtime for %s", dir)
	}
}

func writeScriptStep(b *strings.Builder, includeScript bool) {
	if !includeScript {
		return
	}
	b.WriteString("RUN chmod +x " + buildScriptPath + " && bash " + buildScriptPath + " && rm -rf " + filepath.Dir(buildScriptPath) + "\n")
}

func renderNodeDockerfile(pm nodePackageManager, next, includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM node:20-bullseye\n")
	b.WriteString("WORKDIR /app\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n")
	}
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	if !includeScript {
		b.WriteString("RUN " + string(pm) + " run build --if-present\n")
	}
	b.WriteString("ENV NODE_ENV=production\n")
	if next {
		b.WriteString("ENV NEXT_TELEMETRY_DISABLED=1\n")
	}
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"" + string(pm) + "\",\"start\"]\n")
	return b.String()
}

func renderPythonDockerfile(dir string, includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM python:3.12-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1\n")
	if fileExists(filepath.Join(dir, "requirements.txt")) {
		b.WriteString("COPY requirements.txt ./\n")
		b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n")
		b.WriteString("COPY . ./\n")
	} else {
		b.WriteString("COPY . ./\n")
		b.WriteString("RUN pip install --no-cache-dir .\n")
	}
	writeScriptStep(&b, includeScript)
	b.WriteString("ENV PORT=8000\n")
	b.WriteString("EXPOSE 8000\n")
	b.WriteString("CMD [\"sh\",\"-c\",\"if [ -f main.py ]; then python main.py; else python app.py; fi\"]\n")
	return b.String()
}

func renderGoDockerfile(includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM golang:1.24 AS builder\n")
	b.WriteString("WORKDIR /src\n")
	b.WriteString("COPY go.* ./\n")
	b.WriteString("RUN go mod download\n")
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	b.WriteString("RUN CGO_ENABLED=0 GOOS=linux go build -o /out/app .\n\n")
	b.WriteString("FROM debian:bookworm-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*\n")
	b.WriteString("COPY --from=builder /out/app ./app\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"./app\"]\n")
	return b.String()
}

func renderRustDockerfile(includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM rust:1.81 AS builder\n")
	b.WriteString("WORKDIR /src\n")
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	b.WriteString("RUN cargo build --release && cp \"$(find target/release -maxdepth 1 -type f -perm -111 | head -n 1)\" /src/app\n\n")
	b.WriteString("FROM debian:bookworm-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY --from=builder /src/app ./app\n")
	b.WriteString("ENV PORT=8080\n")
	b.WriteString("EXPOSE 8080\n")
	b.WriteString("CMD [\"./app\"]\n")
	return b.String()
}

func renderJavaDockerfile(gradle, includeScript bool) string {
	var b strings.Builder
	if gradle {
		b.WriteString("FROM gradle:8.10-jdk21 AS builder\n")
		b.WriteString("WORKDIR /workspace\n")
		b.WriteString("COPY . ./\n")
		writeScriptStep(&b, includeScript)
		b.WriteString("RUN gradle clean build -x test --no-daemon\n")
		b.WriteString("RUN JAR=$(find build/libs -name \"*.jar\" -type f | head -n 1) && cp \"$JAR\" /workspace/app.jar\n\n")
	} else {
		b.WriteString("FROM maven:3.9-eclipse-temurin-21 AS builder\n")
		b.WriteString("WORKDIR /workspace\n")
		b.WriteString("COPY pom.xml ./\n")
		b.WriteString("RUN mvn -B dependency:go-offline\n")
		b.WriteString("COPY . ./\n")
		writeScriptStep(&b, includeScript)
		b.WriteString("RUN mvn -B package -DskipTests\n")
		b.WriteString("RUN JAR=$(ls -1 target/*.jar | head -n 1) && cp \"$JAR\" /workspace/app.jar\n\n")
	}
	b.WriteString("FROM eclipse-temurin:21-jre\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY --from=builder /workspace/app.jar /app/app.jar\n")
	b.WriteString("ENV PORT=8080\n")
	b.WriteString("EXPOSE 8080\n")
	b.WriteString("CMD [\"java\",\"-jar\",\"/app/app.jar\"]\n")
	return b.String()
}

func renderPHPDockerfile(includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM composer:2 AS deps\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY composer.* ./\n")
	b.WriteString("RUN composer install --no-dev --no-interaction --prefer-dist\n\n")
	b.WriteString("FROM php:8.3-apache\n")
	b.WriteString("WORKDIR /var/www/html\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("COPY --from=deps /app/vendor ./vendor\n")
	writeScriptStep(&b, includeScript)
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

func renderDotnetDockerfile(includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM mcr.microsoft.com/dotnet/sdk:8.0 AS builder\n")
	b.WriteString("WORKDIR /src\n")
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	b.WriteString("RUN dotnet publish -c Release -o /out\n\n")
	b.WriteString("FROM mcr.microsoft.com/dotnet/aspnet:8.0\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY --from=builder /out ./\n")
	b.WriteString("ENV ASPNETCORE_URLS=http://+:8080\n")
	b.WriteString("EXPOSE 8080\n")
	b.WriteString("CMD [\"sh\",\"-c\",\"dotnet $(ls *.dll | head -n 1)\"]\n")
	return b.String()
}

func renderRubyDockerfile(includeScript bool) string {
	var b strings.Builder
	b.WriteString("FROM ruby:3.3\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV BUNDLE_WITHOUT=development:test\n")
	b.WriteString("COPY Gemfile* ./\n")
	b.WriteString("RUN gem install bundler && bundle install --jobs 4 --retry 3\n")
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"bundle\",\"exec\",\"puma\",\"-b\",\"tcp://0.0.0.0:3000\"]\n")
	return b.String()
}

func renderStaticDockerfile() string {
	return "FROM nginx:1.27-alpine\nCOPY . /usr/share/nginx/html\nEXPOSE 80\n"
}
