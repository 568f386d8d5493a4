package recorder

import (
	"strconv"
	"strings"
)

// Vec3 is an x/y/z triple sampled from the scene.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Pose is a tracked transform: position and the x/y/z rotation components.
type Pose struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
}

var focusEscaper = strings.NewReplacer(",", ";", "\r", " ", "\n", " ")

type line struct{ b []byte }

func (l *line) int(v int) *line {
	l.sep()
	l.b = strconv.AppendInt(l.b, int64(v), 10)
	return l
}

func (l *line) float(v float32) *line {
	l.sep()
	l.b = strconv.AppendFloat(l.b, float64(v), 'f', -1, 32)
	return l
}

func (l *line) vec(v Vec3) *line { return l.float(v.X).float(v.Y).float(v.Z) }

func (l *line) pose(p Pose) *line { return l.vec(p.Position).vec(p.Rotation) }

func (l *line) str(s string) *line {
	l.sep()
	l.b = append(l.b, focusEscaper.Replace(s)...)
	return l
}

func (l *line) sep() {
	if len(l.b) > 0 {
		l.b = append(l.b, ',')
	}
}

func (l *line) String() string { return string(l.b) }

// StatsRecord formats trial,start,end,peg pose,hole pose.
func StatsRecord(trial int, start, end float32, pegStart, holeStart Pose) string {
	l := &line{b: make([]byte, 0, 128)}
	return l.int(trial).float(start).float(end).pose(pegStart).pose(holeStart).String()
}

// DataRecord formats trial,time,peg,hole,target poses,gaze x/y/z,focus.
// Commas and line breaks in focus are replaced so the row keeps its shape.
func DataRecord(trial int, t float32, peg, hole, target Pose, gaze Vec3, focus string) string {
	l := &line{b: make([]byte, 0, 256)}
	return l.int(trial).float(t).pose(peg).pose(hole).pose(target).vec(gaze).str(focus).String()
}

// PoseRecord formats trial,time,pose.
func PoseRecord(trial int, t float32, p Pose) string {
	l := &line{b: make([]byte, 0, 96)}
	return l.int(trial).float(t).pose(p).String()
}
