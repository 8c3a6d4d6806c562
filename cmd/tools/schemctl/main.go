package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/annel0/mineworlds/internal/schematic"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		command = flag.String("cmd", "inspect", "Command: pack, inspect")
		in      = flag.String("in", "", "Входной файл (YAML для pack, .schem для inspect)")
		out     = flag.String("out", "", "Выходной .schem файл (pack); по умолчанию рядом с входным")
	)
	flag.Parse()

	if *in == "" {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch *command {
	case "pack":
		err = pack(*in, *out)
	case "inspect":
		err = inspect(*in)
	default:
		err = fmt.Errorf("неизвестная команда %q", *command)
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// pack читает описание в YAML, проверяет его сборкой шаблона и сохраняет в формате схематики
func pack(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var fs schematic.FileSpec
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("разбор %s: %w", in, err)
	}

	id := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	if _, err := fs.Build(id); err != nil {
		return fmt.Errorf("некорректная схематика: %w", err)
	}

	if out == "" {
		out = filepath.Join(filepath.Dir(in), id+schematic.FileExt)
	}
	if err := schematic.WriteFile(out, &fs); err != nil {
		return err
	}
	fmt.Printf("✅ %s -> %s\n", in, out)
	return nil
}

func inspect(path string) error {
	fs, err := schematic.ReadFile(path)
	if err != nil {
		return err
	}
	id := strings.TrimSuffix(filepath.Base(path), schematic.FileExt)
	tmpl, err := fs.Build(id)
	if err != nil {
		return fmt.Errorf("некорректная схематика: %w", err)
	}

	b := tmpl.Bounds()
	sp := tmpl.Spawn()
	size := b.Size()
	fmt.Printf("📦 %s\n", tmpl.Name())
	fmt.Printf("   layout:  %s\n", layoutName(fs.Layout))
	fmt.Printf("   bounds:  (%d,%d,%d) .. (%d,%d,%d)  %dx%dx%d\n",
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z, size.X, size.Y, size.Z)
	fmt.Printf("   spawn:   (%.1f, %.1f, %.1f) yaw=%.0f pitch=%.0f\n",
		sp.Position.X, sp.Position.Y, sp.Position.Z, sp.Yaw, sp.Pitch)
	fmt.Printf("   blocks:  %d\n", tmpl.TotalBlocks())
	return nil
}

func layoutName(l string) string {
	if l == "" {
		return "static"
	}
	return l
}
