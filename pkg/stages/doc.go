// Package stages holds the built-in pipeline stages.
//
//	validation           proves the blob is a decodable image (fatal if not)
//	metadata_extraction  width/height/format from the image header
//	thumbnails           150/400/800px bounding-box JPEGs, Lanczos, EXIF-aware
//	optimization         quality-85 re-encode, kept only when smaller
//
// Stages receive the original bytes in memory and return artifacts and
// metadata; persistence belongs to the engine. All four are stateless and
// safe to share across workers. Register them with
// pipeline.Registry.RegisterStage, or grab the whole set via All.
package stages
