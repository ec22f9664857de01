package pipeline

// Placeholder tokens recognized in pipeline templates. Resolution replaces
// every occurrence; a token left behind after substitution is a fatal
// configuration error.
const (
	TokenDataSrc       = "<DATA_SRC>"
	TokenSingleDisplay = "<SINGLE_DISPLAY>"
	TokenDualDisplay   = "<DUAL_DISPLAY>"
	TokenSingleWindow  = "<ONE_WINDOW_XYWH>"
	TokenDualWindow    = "<DUAL_WINDOW_XYWH>"
)

// Window sink fragments. The geometry token inside each is filled in during
// the second substitution pass.
const (
	singleWindowSink = "waylandsink async=true sync=false <ONE_WINDOW_XYWH>"
	dualWindowSink   = "waylandsink async=true sync=false <DUAL_WINDOW_XYWH>"
)

const tmplCamera = `<DATA_SRC> ! qtivtransform ! video/x-raw(memory:GBM),format=NV12,width=640,height=480,framerate=30/1,compression=ubwc ! <SINGLE_DISPLAY>`

const tmplPoseDetection = `<DATA_SRC> ! qtivtransform ! video/x-raw(memory:GBM),format=NV12,width=640,height=480,framerate=30/1,compression=ubwc ! tee name=split \
split. ! queue ! qtivcomposer name=mixer ! <SINGLE_DISPLAY> \
split. ! queue ! qtimlvconverter ! qtimltflite delegate=external external-delegate-path=libQnnTFLiteDelegate.so external-delegate-options=QNNExternalDelegate,backend_type=htp; \
model=/opt/posenet_mobilenet_v1.tflite ! qtimlvpose threshold=51.0 results=2 module=posenet labels=/opt/posenet_mobilenet_v1.labels \
constants=Posenet,q-offsets=<128.0,128.0,117.0>,q-scales=<0.0784313753247261,0.0784313753247261,1.3875764608383179>; ! video/x-raw,format=BGRA,width=640,height=480 ! mixer.`

const tmplSegmentation = `<DATA_SRC> ! qtivtransform ! video/x-raw(memory:GBM),format=NV12,width=640,height=360,framerate=30/1,compression=ubwc ! tee name=split \
split. ! queue ! qtivcomposer name=mixer sink_1::alpha=0.5 ! queue ! <SINGLE_DISPLAY> \
split. ! queue ! qtimlvconverter ! queue ! qtimltflite delegate=external external-delegate-path=libQnnTFLiteDelegate.so external-delegate-options=QNNExternalDelegate,backend_type=htp; \
model=/opt/deeplabv3_resnet50.tflite ! queue ! qtimlvsegmentation module=deeplab-argmax labels=/opt/deeplabv3_resnet50.labels ! video/x-raw,width=256,height=144 ! queue ! mixer.`

const tmplClassification = `<DATA_SRC> ! qtivtransform ! video/x-raw(memory:GBM),format=NV12,width=640,height=480,framerate=30/1,compression=ubwc !queue ! tee name=split \
split. ! queue ! qtivcomposer name=mixer sink_1::position="<30,30>" sink_1::dimensions="<320, 180>" ! queue ! <SINGLE_DISPLAY> \
split. ! queue ! qtimlvconverter ! queue ! qtimlsnpe delegate=dsp model=/opt/inceptionv3.dlc ! queue ! qtimlvclassification threshold=40.0 results=2 \
module=mobilenet labels=/opt/classification.labels ! video/x-raw,format=BGRA,width=640,height=360 ! queue ! mixer.`

const tmplObjectDetection = `<DATA_SRC> ! qtivtransform ! video/x-raw(memory:GBM),format=NV12,width=640,height=480,framerate=30/1,compression=ubwc !queue ! tee name=split \
split. ! queue ! qtivcomposer name=mixer1 ! queue ! <SINGLE_DISPLAY> \
split. ! queue ! qtimlvconverter ! queue ! qtimlsnpe delegate=dsp model=/opt/yolonas.dlc layers="</heads/Mul, /heads/Sigmoid>" ! queue ! qtimlvdetection threshold=51.0 results=10 module=yolo-nas labels=/opt/yolonas.labels \
! video/x-raw,format=BGRA,width=640,height=480 ! queue ! mixer1.`

// Depth segmentation renders side by side across both slots and is the one
// built-in dual-output selection.
const tmplDepthSegmentation = `<DATA_SRC> ! qtivtransform ! \
    video/x-raw(memory:GBM),format=NV12,width=1920,height=1080,framerate=30/1,compression=ubwc ! \
    tee name=split \
    split. ! queue ! qtivcomposer background=0 name=dual \
        sink_0::position=<0,0> sink_0::dimensions=<960,720> \
        sink_1::position=<960,0> sink_1::dimensions=<960,720> \
    ! queue ! <DUAL_DISPLAY> \
    split. ! queue ! qtimlvconverter ! queue ! \
        qtimltflite delegate=external \
            external-delegate-path=libQnnTFLiteDelegate.so \
            external-delegate-options=QNNExternalDelegate,backend_type=htp \
            model=/opt/Midas-V2-Quantized.tflite ! queue ! \
        qtimlvsegmentation module=midas-v2 labels=/opt/monodepth.labels \
            constants=Midas,q-offsets=<0.0>,q-scales=<4.716535568237305>; ! \
        video/x-raw,width=960,height=720 ! queue ! dual.sink_1`

const tmplGooglenetClassification = `<DATA_SRC> ! \
    qtivtransform ! \
    video/x-raw(memory:GBM),format=NV12,width=640,height=480,framerate=30/1,compression=ubwc ! \
    queue ! tee name=split \
    split. ! queue ! \
    qtivcomposer name=mixer ! \
    queue ! <SINGLE_DISPLAY> \
    split. ! queue ! \
    qtimlvconverter ! \
    queue ! \
    qtimltflite \
        delegate=external \
        external-delegate-path=libQnnTFLiteDelegate.so \
        external-delegate-options=QNNExternalDelegate,backend_type=htp \
        model=/opt/googlenet_quantized.tflite ! \
    queue ! \
    qtimlvclassification \
        threshold=51.0 \
        results=5 \
        module=mobilenet \
        labels=/opt/imagenet_labels.txt \
        extra-operation=softmax \
        constants=Mobilenet,q-offsets=<53.0>,q-scales=<0.08174873143434525> ! \
    video/x-raw,format=BGRA,width=640,height=480 ! \
    queue ! mixer.`

const tmplHRNetPoseEstimation = `<DATA_SRC> ! qtivtransform ! \
video/x-raw(memory:GBM),format=NV12,width=640,height=480,framerate=30/1,compression=ubwc ! queue ! tee name=split \
split. ! queue ! qtivcomposer name=mixer ! queue ! <SINGLE_DISPLAY> \
split. ! queue ! qtimlvconverter ! queue ! qtimltflite delegate=external external-delegate-path=libQnnTFLiteDelegate.so external-delegate-options=QNNExternalDelegate,backend_type=htp \
model=/opt/GA1.3-rel/hrnet_pose_quantized.tflite ! queue ! qtimlvpose threshold=51 module=hrnet \
labels=/opt/GA1.3-rel/hrnet_pose.labels constants="hrnet,q-offsets=<8.0>,q-scales=<0.0040499246679246426>" ! video/x-raw,format=BGRA,width=640,height=480 ! \
queue ! mixer.`
