// Package ffmpeg opens capture devices through an ffmpeg subprocess.
//
// Open probes the source with ffprobe for frame rate and size, then starts
// ffmpeg decoding the source to packed raw frames on stdout. Any input ffmpeg
// understands works: a V4L2 node, an RTSP URL or a file.
package ffmpeg
